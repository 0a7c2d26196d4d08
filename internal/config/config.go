// Package config loads service configuration from the environment. A .env
// file in the working directory is applied first when present so local runs
// don't need exported variables.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full configuration tree. It is assembled once in main and
// passed down by value; nothing reads the environment after Load returns.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Ipfs      IpfsConfig
	Chain     ChainConfig
	Pipeline  PipelineConfig
	Nats      NatsConfig
	Schedules ScheduleConfig
}

// ServiceConfig identifies the process in logs and events.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the business-state Postgres pool.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
}

// IpfsConfig configures the pinning service client.
type IpfsConfig struct {
	APIURL        string
	GatewayURL    string
	APIKey        string
	APISecret     string
	RatePerMinute int
	MaxRetries    int
	RetryBase     time.Duration
	Timeout       time.Duration
}

// ChainConfig configures the EVM client and signer.
type ChainConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	MaxGasPrice     *big.Int
	MaxRetries      int
	RetryBase       time.Duration
	Confirmations   uint64
	ConfirmTimeout  time.Duration
}

// PipelineConfig bounds the three recurring jobs.
type PipelineConfig struct {
	MaxInvoicesPerRun int
	ConcurrentUploads int
	BatchSize         int
	BatchesPerRun     int
	SubmitPause       time.Duration
	UploadQuiescence  time.Duration
}

// NatsConfig configures the event publisher. An empty URL disables it.
type NatsConfig struct {
	URL           string
	SubjectPrefix string
}

// ScheduleConfig holds the cron expressions for the recurring jobs
// (seconds-enabled, six fields).
type ScheduleConfig struct {
	Upload string
	Batch  string
	Submit string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// Missing .env is fine; exported variables win either way.
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-ap-anchoring"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 8086),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "anchoring"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
		},
		Ipfs: IpfsConfig{
			APIURL:        getEnv("IPFS_API_URL", "https://api.pinata.cloud"),
			GatewayURL:    getEnv("IPFS_GATEWAY_URL", "https://gateway.pinata.cloud"),
			APIKey:        getEnv("IPFS_API_KEY", ""),
			APISecret:     getEnv("IPFS_API_SECRET", ""),
			RatePerMinute: getEnvInt("IPFS_RATE_PER_MINUTE", 60),
			MaxRetries:    getEnvInt("IPFS_MAX_RETRIES", 3),
			RetryBase:     getEnvDuration("IPFS_RETRY_BASE", time.Second),
			Timeout:       getEnvDuration("IPFS_TIMEOUT", 30*time.Second),
		},
		Chain: ChainConfig{
			RPCURL:          getEnv("CHAIN_RPC_URL", "http://localhost:8545"),
			ContractAddress: getEnv("CHAIN_CONTRACT_ADDRESS", ""),
			PrivateKey:      getEnv("CHAIN_PRIVATE_KEY", ""),
			ChainID:         int64(getEnvInt("CHAIN_ID", 11155111)),
			MaxGasPrice:     getEnvBigInt("CHAIN_MAX_GAS_PRICE_WEI", big.NewInt(200_000_000_000)),
			MaxRetries:      getEnvInt("CHAIN_MAX_RETRIES", 3),
			RetryBase:       getEnvDuration("CHAIN_RETRY_BASE", 2*time.Second),
			Confirmations:   uint64(getEnvInt("CHAIN_CONFIRMATIONS", 3)),
			ConfirmTimeout:  getEnvDuration("CHAIN_CONFIRM_TIMEOUT", 30*time.Minute),
		},
		Pipeline: PipelineConfig{
			MaxInvoicesPerRun: getEnvInt("PIPELINE_MAX_INVOICES_PER_RUN", 100),
			ConcurrentUploads: getEnvInt("PIPELINE_CONCURRENT_UPLOADS", 5),
			BatchSize:         getEnvInt("PIPELINE_BATCH_SIZE", 100),
			BatchesPerRun:     getEnvInt("PIPELINE_BATCHES_PER_RUN", 5),
			SubmitPause:       getEnvDuration("PIPELINE_SUBMIT_PAUSE", 2*time.Second),
			UploadQuiescence:  getEnvDuration("PIPELINE_UPLOAD_QUIESCENCE", time.Minute),
		},
		Nats: NatsConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "anchoring"),
		},
		Schedules: ScheduleConfig{
			Upload: getEnv("SCHEDULE_UPLOAD", "*/10 * * * * *"),
			Batch:  getEnv("SCHEDULE_BATCH", "0 */15 * * * *"),
			Submit: getEnv("SCHEDULE_SUBMIT", "0 */10 * * * *"),
		},
	}

	if cfg.Pipeline.BatchSize < 1 {
		return nil, fmt.Errorf("PIPELINE_BATCH_SIZE must be >= 1, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Ipfs.RatePerMinute < 1 {
		return nil, fmt.Errorf("IPFS_RATE_PER_MINUTE must be >= 1, got %d", cfg.Ipfs.RatePerMinute)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBigInt(key string, defaultValue *big.Int) *big.Int {
	if value := os.Getenv(key); value != "" {
		if v, ok := new(big.Int).SetString(value, 10); ok {
			return v
		}
	}
	return defaultValue
}
