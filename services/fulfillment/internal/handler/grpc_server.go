package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/domain"
)

// GRPCServiceName 운영 도구용 gRPC 서비스 이름
const GRPCServiceName = "fulfillment.v1.FulfillmentService"

// FulfillmentServer 운영 도구용 gRPC 서버 (요청/응답은 google.protobuf.Struct)
type FulfillmentServer interface {
	GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RequestTransition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReconcilePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SyncShipment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type grpcServer struct {
	svc    Services
	logger *zap.Logger
}

// NewGRPCServer gRPC 서버 생성 (서비스, 헬스, 리플렉션 등록)
func NewGRPCServer(svc Services, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	RegisterFulfillmentServer(s, &grpcServer{svc: svc, logger: logger})

	healthServer := health.NewServer()
	healthServer.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, healthServer)

	reflection.Register(s)
	return s
}

// RegisterFulfillmentServer 서비스 등록
func RegisterFulfillmentServer(s grpc.ServiceRegistrar, srv FulfillmentServer) {
	s.RegisterService(&fulfillmentServiceDesc, srv)
}

func (g *grpcServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requiredID(req, "orderId")
	if err != nil {
		return nil, err
	}

	order, err := g.svc.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, g.toStatus(err)
	}
	return toStruct(order)
}

func (g *grpcServer) RequestTransition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requiredID(req, "orderId")
	if err != nil {
		return nil, err
	}

	fields := req.GetFields()
	actor := domain.Actor(fields["actor"].GetStringValue())
	if actor == "" {
		actor = domain.ActorManual
	}

	result, err := g.svc.Machine.RequestTransition(ctx, orderID,
		domain.OrderStatus(fields["from"].GetStringValue()),
		domain.OrderStatus(fields["to"].GetStringValue()),
		domain.Cause{
			Actor: actor,
			RefID: fields["refId"].GetStringValue(),
			Note:  fields["note"].GetStringValue(),
		})
	if err != nil {
		return nil, g.toStatus(err)
	}
	return toStruct(result)
}

func (g *grpcServer) ReconcilePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requiredID(req, "orderId")
	if err != nil {
		return nil, err
	}

	result, err := g.svc.Payments.ReconcileStatus(ctx, orderID, domain.ActorManual)
	if err != nil {
		return nil, g.toStatus(err)
	}
	return toStruct(result)
}

func (g *grpcServer) SyncShipment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	shipmentID, err := requiredID(req, "shipmentId")
	if err != nil {
		return nil, err
	}

	result, err := g.svc.Shipments.SyncTracking(ctx, shipmentID)
	if err != nil {
		return nil, g.toStatus(err)
	}
	return toStruct(result)
}

func (g *grpcServer) toStatus(err error) error {
	code := grpcCode(err)
	if code == codes.Internal || code == codes.Unavailable {
		g.logger.Error("grpc call failed", zap.Error(err))
	}
	return status.Error(code, userMessage(err))
}

func grpcCode(err error) codes.Code {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidOrder, errors.ErrCodeSerializationError, errors.ErrCodeInvalidSignature:
		return codes.InvalidArgument
	case errors.ErrCodeOrderNotFound, errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeIllegalTransition, errors.ErrCodeInvalidState, errors.ErrCodeAmountMismatch,
		errors.ErrCodeUnknownCarrierCode:
		return codes.FailedPrecondition
	case errors.ErrCodeStaleState, errors.ErrCodeReconcileConflict, errors.ErrCodeDuplicateRequest:
		return codes.Aborted
	case errors.ErrCodeExternalUnavailable, errors.ErrCodeNetworkError, errors.ErrCodeTimeoutError:
		return codes.Unavailable
	}
	return codes.Internal
}

func requiredID(req *structpb.Struct, field string) (int64, error) {
	id := int64(req.GetFields()[field].GetNumberValue())
	if id <= 0 {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return id, nil
}

// toStruct JSON 태그 그대로 Struct 로 변환
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func unaryHandler(call func(FulfillmentServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FulfillmentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + GRPCServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(FulfillmentServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var fulfillmentServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*FulfillmentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrder", Handler: unaryHandler(FulfillmentServer.GetOrder, "GetOrder")},
		{MethodName: "RequestTransition", Handler: unaryHandler(FulfillmentServer.RequestTransition, "RequestTransition")},
		{MethodName: "ReconcilePayment", Handler: unaryHandler(FulfillmentServer.ReconcilePayment, "ReconcilePayment")},
		{MethodName: "SyncShipment", Handler: unaryHandler(FulfillmentServer.SyncShipment, "SyncShipment")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fulfillment/v1/fulfillment.proto",
}
