package messaging

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/retry"
)

// LocalBus 단일 프로세스용 동기 이벤트 버스 (Kafka 미설정 시 사용)
//
// Publish 는 같은 토픽의 구독자를 호출 순서대로 실행한다. 구독자 에러는
// Kafka 컨슈머와 동일하게 재전달 후 로그만 남기고 발행 자체는 성공으로 본다.
type LocalBus struct {
	mu         sync.RWMutex
	handlers   map[string][]MessageHandler
	offsets    map[string]int64
	redelivery retry.Config
	logger     *zap.Logger
}

// NewLocalBus 로컬 이벤트 버스 생성
func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{
		handlers:   make(map[string][]MessageHandler),
		offsets:    make(map[string]int64),
		redelivery: redeliveryConfig(),
		logger:     logger,
	}
}

// Publish 이벤트 발행
func (b *LocalBus) Publish(ctx context.Context, topic string, key string, event interface{}) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	offset := b.offsets[topic]
	b.offsets[topic] = offset + 1
	handlers := append([]MessageHandler(nil), b.handlers[topic]...)
	b.mu.Unlock()

	msg := &Message{
		Topic:  topic,
		Offset: offset,
		Key:    []byte(key),
		Value:  payload,
	}

	for _, handler := range handlers {
		if err := deliver(ctx, handler, msg, b.redelivery, b.logger); err != nil {
			b.logger.Error("failed to handle message",
				zap.Error(err),
				zap.String("topic", topic),
				zap.String("key", key),
				zap.Int64("offset", offset))
		}
	}

	return nil
}

// Subscribe 토픽 구독
func (b *LocalBus) Subscribe(_ context.Context, topics []string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		b.handlers[topic] = append(b.handlers[topic], handler)
	}
	return nil
}

// Close 버스 종료
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]MessageHandler)
	return nil
}
