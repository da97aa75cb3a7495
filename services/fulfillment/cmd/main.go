package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	temporalworker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/idempotency"
	"github.com/kyungseok/order-fulfillment-go/common/logger"
	"github.com/kyungseok/order-fulfillment-go/common/messaging"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/carrier/ghn"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/config"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/gateway/payos"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/handler"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/repository/memory"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/service"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/worker"
	"github.com/kyungseok/order-fulfillment-go/services/fulfillment/internal/workflow"
)

// stores 저장소 묶음 (Postgres 또는 메모리)
type stores struct {
	ledger    repository.Ledger
	attempts  repository.PaymentAttemptRepository
	shipments repository.ShipmentRepository
	outbox    repository.OutboxRepository
	db        *sql.DB
}

func main() {
	// Config 로드
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// Logger 초기화
	log, err := logger.NewLogger(cfg.ServiceName, cfg.Development, cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 저장소
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open stores", zap.Error(err))
	}
	if st.db != nil {
		defer st.db.Close()
	}

	// 예약 / 멱등성 저장소
	locks, closeLocks, err := openLocks(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer closeLocks()

	// 메시지 버스
	publisher, consumer, err := openBus(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize message bus", zap.Error(err))
	}
	defer publisher.Close()
	defer consumer.Close()

	// 외부 연동
	gateway := payos.NewClient(payos.Config{
		BaseURL:     cfg.PayOS.BaseURL,
		ClientID:    cfg.PayOS.ClientID,
		APIKey:      cfg.PayOS.APIKey,
		ChecksumKey: cfg.PayOS.ChecksumKey,
		Timeout:     cfg.PayOS.Timeout,
	}, log)
	carrier := ghn.NewClient(ghn.Config{
		BaseURL:      cfg.GHN.BaseURL,
		Token:        cfg.GHN.Token,
		ShopID:       cfg.GHN.ShopID,
		FromDistrict: cfg.GHN.FromDistrict,
		FromWard:     cfg.GHN.FromWard,
		Timeout:      cfg.GHN.Timeout,
	}, log)

	// Service 초기화
	machine := service.NewStateMachine(st.ledger, service.NewAuditSink(st.ledger, log), log)
	notifier := service.NewReviewNotifier(st.ledger, log)

	reconcilerCfg := service.DefaultReconcilerConfig()
	reconcilerCfg.ReturnURL = cfg.PayOS.ReturnURL
	reconcilerCfg.CancelURL = cfg.PayOS.CancelURL
	reconcilerCfg.GatewayTimeout = cfg.PayOS.Timeout
	payments := service.NewPaymentReconciler(st.ledger, st.attempts, gateway, machine, notifier, locks, reconcilerCfg, log)

	syncCfg := service.DefaultSynchronizerConfig()
	syncCfg.CarrierTimeout = cfg.GHN.Timeout
	shipping := service.NewShipmentSynchronizer(st.ledger, st.shipments, carrier, machine, notifier, locks, syncCfg, log)

	// 주기 동기화 워커 (항상 실행, Temporal 이 없으면 스케줄러 역할)
	syncWorker := worker.NewSyncWorker(st.attempts, st.shipments, payments, shipping, worker.SyncConfig{
		Interval:    cfg.Sync.Interval,
		BatchSize:   cfg.Sync.BatchSize,
		Concurrency: cfg.Sync.Concurrency,
		CallTimeout: 2 * cfg.GHN.Timeout,
	}, log)
	go syncWorker.Start(ctx)

	var scheduler service.Scheduler = syncWorker
	if cfg.Temporal.Host != "" {
		temporalClient, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.Host,
			Namespace: cfg.Temporal.Namespace,
			Logger:    logger.NewTemporalAdapter(log),
		})
		if err != nil {
			log.Fatal("failed to connect to temporal", zap.Error(err))
		}
		defer temporalClient.Close()

		w := temporalworker.New(temporalClient, cfg.Temporal.TaskQueue, temporalworker.Options{})
		workflow.Register(w, &workflow.Activities{Payments: payments, Shipments: shipping})
		if err := w.Start(); err != nil {
			log.Fatal("failed to start temporal worker", zap.Error(err))
		}
		defer w.Stop()

		scheduler = workflow.NewScheduler(temporalClient, cfg.Temporal.TaskQueue, cfg.Temporal.PollInterval, log)
		log.Info("temporal scheduler enabled", zap.String("taskQueue", cfg.Temporal.TaskQueue))
	}

	svc := handler.Services{
		Orders:    service.NewOrderService(st.ledger, log),
		Machine:   machine,
		Payments:  payments,
		Shipments: shipping,
		Scheduler: scheduler,
	}

	// Event Handler 구독
	eventHandler := handler.NewEventHandler(svc, locks, log)
	if err := consumer.Subscribe(ctx, handler.Topics, eventHandler.HandleMessage); err != nil {
		log.Fatal("failed to subscribe to topics", zap.Error(err))
	}
	log.Info("subscribed to topics", zap.Strings("topics", handler.Topics))

	// Outbox Worker 시작
	outboxWorker := worker.NewOutboxWorker(st.outbox, publisher, log, cfg.Sync.OutboxInterval)
	go outboxWorker.Start(ctx)

	// HTTP Server 시작
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.NewHTTPHandler(svc, log).Routes(cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC Server 시작
	grpcServer := handler.NewGRPCServer(svc, log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen for grpc", zap.Error(err))
	}
	go func() {
		log.Info("grpc server starting", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	cancel() // 워커 종료
	log.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	if cfg.DBDSN == "" {
		log.Warn("DB_DSN not set, using in-memory store")
		store := memory.NewStore()
		return &stores{
			ledger:    store.Ledger(),
			attempts:  store.PaymentAttempts(),
			shipments: store.Shipments(),
			outbox:    store.Outbox(),
		}, nil
	}

	db, err := repository.Connect(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := repository.InitSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("connected to database")

	return &stores{
		ledger:    repository.NewLedger(db),
		attempts:  repository.NewPaymentAttemptRepository(db),
		shipments: repository.NewShipmentRepository(db),
		outbox:    repository.NewOutboxRepository(db),
		db:        db,
	}, nil
}

func openLocks(ctx context.Context, cfg *config.Config, log *zap.Logger) (idempotency.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, using in-memory reservations")
		return idempotency.NewMemoryStore(), func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, nil, err
	}
	log.Info("connected to redis")

	return idempotency.NewRedisStore(redisClient, cfg.ServiceName), func() { _ = redisClient.Close() }, nil
}

func openBus(cfg *config.Config, log *zap.Logger) (messaging.Publisher, messaging.Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		log.Warn("KAFKA_BROKERS not set, using in-process event bus")
		bus := messaging.NewLocalBus(log)
		return bus, bus, nil
	}

	publisher, err := messaging.NewKafkaPublisher(cfg.KafkaBrokers, log)
	if err != nil {
		return nil, nil, err
	}
	consumer, err := messaging.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, log)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}
	log.Info("kafka initialized", zap.Strings("brokers", cfg.KafkaBrokers))
	return publisher, consumer, nil
}
