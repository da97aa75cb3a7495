package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config 서비스 설정 (환경 변수, .env 파일은 선택)
//
// DB_DSN / REDIS_ADDR / KAFKA_BROKERS / TEMPORAL_HOST 가 비어 있으면 각각
// 메모리 저장소, 메모리 예약 저장소, 프로세스 내 버스, 주기 워커로 동작한다.
type Config struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"fulfillment-service"`
	HTTPPort    string `envconfig:"SERVICE_PORT" default:"8080"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"9090"`
	Development bool   `envconfig:"DEVELOPMENT" default:"false"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBDSN string `envconfig:"DB_DSN"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaGroupID string   `envconfig:"KAFKA_GROUP_ID" default:"fulfillment-service-group"`

	PayOS    PayOSConfig    `envconfig:"PAYOS"`
	GHN      GHNConfig      `envconfig:"GHN"`
	Sync     SyncConfig     `envconfig:"SYNC"`
	Temporal TemporalConfig `envconfig:"TEMPORAL"`
}

// PayOSConfig PayOS 연동 설정
type PayOSConfig struct {
	BaseURL     string        `envconfig:"BASE_URL" default:"https://api-merchant.payos.vn"`
	ClientID    string        `envconfig:"CLIENT_ID"`
	APIKey      string        `envconfig:"API_KEY"`
	ChecksumKey string        `envconfig:"CHECKSUM_KEY"`
	ReturnURL   string        `envconfig:"RETURN_URL" default:"http://localhost:3000/payment/success"`
	CancelURL   string        `envconfig:"CANCEL_URL" default:"http://localhost:3000/payment/cancel"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// GHNConfig GHN 연동 설정
type GHNConfig struct {
	BaseURL      string        `envconfig:"BASE_URL" default:"https://online-gateway.ghn.vn"`
	Token        string        `envconfig:"TOKEN"`
	ShopID       int           `envconfig:"SHOP_ID"`
	FromDistrict int           `envconfig:"FROM_DISTRICT"`
	FromWard     string        `envconfig:"FROM_WARD"`
	Timeout      time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// SyncConfig 주기 동기화 / outbox 설정
type SyncConfig struct {
	Interval       time.Duration `envconfig:"INTERVAL" default:"30s"`
	BatchSize      int           `envconfig:"BATCH_SIZE" default:"50"`
	Concurrency    int           `envconfig:"CONCURRENCY" default:"4"`
	OutboxInterval time.Duration `envconfig:"OUTBOX_INTERVAL" default:"1s"`
}

// TemporalConfig Temporal 설정 (Host 가 비어 있으면 사용하지 않음)
type TemporalConfig struct {
	Host         string        `envconfig:"HOST"`
	Namespace    string        `envconfig:"NAMESPACE" default:"default"`
	TaskQueue    string        `envconfig:"TASK_QUEUE" default:"fulfillment-polling"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
}

// Load .env (있으면) 를 읽은 뒤 환경 변수로 설정 구성
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sync.Interval <= 0 || c.Sync.OutboxInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive")
	}
	if (c.PayOS.ClientID == "") != (c.PayOS.APIKey == "") {
		return fmt.Errorf("PAYOS_CLIENT_ID and PAYOS_API_KEY must be set together")
	}
	if c.PayOS.ClientID != "" && c.PayOS.ChecksumKey == "" {
		return fmt.Errorf("PAYOS_CHECKSUM_KEY is required when PayOS is configured")
	}
	if c.GHN.Token != "" && c.GHN.ShopID == 0 {
		return fmt.Errorf("GHN_SHOP_ID is required when GHN_TOKEN is set")
	}
	return nil
}
