package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/kyungseok/order-fulfillment-go/common/errors"
	"github.com/kyungseok/order-fulfillment-go/common/retry"
)

// Publisher 이벤트 발행 인터페이스
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
	Close() error
}

// Consumer 이벤트 구독 인터페이스
type Consumer interface {
	Subscribe(ctx context.Context, topics []string, handler MessageHandler) error
	Close() error
}

// MessageHandler 메시지 핸들러 함수 타입
type MessageHandler func(ctx context.Context, msg *Message) error

// Message 메시지 구조체
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

// KafkaPublisher Kafka 기반 이벤트 발행자
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

// NewKafkaPublisher Kafka 발행자 생성
func NewKafkaPublisher(brokers []string, logger *zap.Logger) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return newKafkaPublisher(producer, logger), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		logger:   logger,
	}
}

// Publish 이벤트 발행 (같은 주문의 이벤트는 같은 파티션으로)
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key string, event interface{}) error {
	payload, err := encode(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("failed to send message",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("key", key))
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Debug("message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// Close 발행자 종료
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// KafkaConsumer Kafka 기반 이벤트 구독자
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       MessageHandler
	redelivery    retry.Config
	logger        *zap.Logger
}

// NewKafkaConsumer Kafka 구독자 생성
func NewKafkaConsumer(brokers []string, groupID string, logger *zap.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		redelivery:    redeliveryConfig(),
		logger:        logger,
	}, nil
}

// Subscribe 토픽 구독 (ctx 종료 시 소비 루프 종료)
func (c *KafkaConsumer) Subscribe(ctx context.Context, topics []string, handler MessageHandler) error {
	c.handler = handler

	consumerHandler := &consumerGroupHandler{
		consumer: c,
	}

	go func() {
		for {
			if err := c.consumerGroup.Consume(ctx, topics, consumerHandler); err != nil {
				c.logger.Error("error from consumer", zap.Error(err))
			}

			if ctx.Err() != nil {
				return
			}
		}
	}()

	return nil
}

// Close 구독자 종료
func (c *KafkaConsumer) Close() error {
	return c.consumerGroup.Close()
}

// consumerGroupHandler Kafka 컨슈머 그룹 핸들러
type consumerGroupHandler struct {
	consumer *KafkaConsumer
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		msg := &Message{
			Topic:     message.Topic,
			Partition: message.Partition,
			Offset:    message.Offset,
			Key:       message.Key,
			Value:     message.Value,
		}

		if err := deliver(session.Context(), h.consumer.handler, msg, h.consumer.redelivery, h.consumer.logger); err != nil {
			h.consumer.logger.Error("failed to handle message",
				zap.Error(err),
				zap.String("topic", message.Topic),
				zap.String("key", string(message.Key)),
				zap.Int64("offset", message.Offset))
			// 재전달 후에도 실패하면 커밋한다. 주문 상태는 동기화 워커가 다시 맞춘다
		}

		session.MarkMessage(message, "")
	}

	return nil
}

// redeliveryConfig 재시도 가능한 핸들러 에러만 짧게 재전달
func redeliveryConfig() retry.Config {
	cfg := retry.QuickConfig()
	cfg.RetryIf = errors.IsRetryable
	return cfg
}

// deliver 핸들러 호출 (EXTERNAL_UNAVAILABLE 등은 같은 메시지로 재시도)
func deliver(ctx context.Context, handler MessageHandler, msg *Message, cfg retry.Config, logger *zap.Logger) error {
	_, err := retry.DoWithResult(ctx, cfg, logger, func() (struct{}, error) {
		return struct{}{}, handler(ctx, msg)
	})
	return err
}

// OrderKey 파티션 키 생성
func OrderKey(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}

func encode(event interface{}) ([]byte, error) {
	switch v := event.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, nil
}
