package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers      []string
	DeviceTopic  string
	ThreatTopic  string
	PaymentTopic string
	// IndexerGroup is the consumer group that feeds the threat search index.
	IndexerGroup string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	URL         string
	Username    string
	Password    string
	ThreatIndex string
}

// KMSConfig controls the external key-derivation path. When Enabled, IPEKs
// are MACed by MacKeyID, an HMAC_256 key imported with the BDK as its key
// material, and the configured BDK is read as a KMS ciphertext blob under
// KeyID.
type KMSConfig struct {
	Enabled     bool
	Region      string
	KeyID       string
	MacKeyID    string
	CallTimeout time.Duration
}

type DukptConfig struct {
	// BDKHex is the base derivation key, hex encoded. With KMS enabled it is
	// the hex of the KMS ciphertext blob instead.
	BDKHex          string
	DefaultKeyCount int
}

type TokenConfig struct {
	Secret          string
	Issuer          string
	TTL             time.Duration
	ExpiryThreshold time.Duration
}

type BucketingConfig struct {
	DeviceBuckets int
	LockStripes   int
}

type LockConfig struct {
	TTL        time.Duration
	RetryDelay time.Duration
	MaxWait    time.Duration
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Dukpt         DukptConfig
	Token         TokenConfig
	Bucketing     BucketingConfig
	Lock          LockConfig
}

var (
	global     *Config
	globalOnce sync.Once
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: GetEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port:         GetEnvInt("SERVER_PORT", 8080),
			TLSPort:      GetEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:       GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:     GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:  GetEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			Email:        GetEnv("SERVER_ACME_EMAIL", ""),
			ReadTimeout:  GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       GetEnvInt("REDIS_DB", 0),
			PoolSize: GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: GetEnv("SCYLLA_KEYSPACE", "device_trust"),
			Username: GetEnv("SCYLLA_USERNAME", ""),
			Password: GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers:      GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			DeviceTopic:  GetEnv("KAFKA_DEVICE_TOPIC", "device-status"),
			ThreatTopic:  GetEnv("KAFKA_THREAT_TOPIC", "threat-events"),
			PaymentTopic: GetEnv("KAFKA_PAYMENT_TOPIC", "transactions"),
			IndexerGroup: GetEnv("KAFKA_INDEXER_GROUP", "device-trust-threat-indexer"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: GetEnv("CLICKHOUSE_DATABASE", "device_trust"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:         GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:    GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:    GetEnv("ELASTICSEARCH_PASSWORD", ""),
			ThreatIndex: GetEnv("ELASTICSEARCH_THREAT_INDEX", "threat-events"),
		},
		KMS: KMSConfig{
			Enabled:     GetEnvBool("KMS_ENABLED", false),
			Region:      GetEnv("AWS_REGION", "ap-south-1"),
			KeyID:       GetEnv("KMS_KEY_ID", ""),
			MacKeyID:    GetEnv("KMS_MAC_KEY_ID", ""),
			CallTimeout: GetEnvDuration("KMS_CALL_TIMEOUT", 3*time.Second),
		},
		Dukpt: DukptConfig{
			BDKHex:          GetEnv("DUKPT_BDK", ""),
			DefaultKeyCount: GetEnvInt("DUKPT_KEY_COUNT", 1000),
		},
		Token: TokenConfig{
			Secret:          GetEnv("TOKEN_SECRET", ""),
			Issuer:          GetEnv("TOKEN_ISSUER", "device-trust-service"),
			TTL:             GetEnvDuration("TOKEN_TTL", 300*time.Second),
			ExpiryThreshold: GetEnvDuration("TOKEN_EXPIRY_THRESHOLD", 60*time.Second),
		},
		Bucketing: BucketingConfig{
			DeviceBuckets: GetEnvInt("DEVICE_BUCKETS", 64),
			LockStripes:   GetEnvInt("LOCK_STRIPES", 256),
		},
		Lock: LockConfig{
			TTL:        GetEnvDuration("DEVICE_LOCK_TTL", 10*time.Second),
			RetryDelay: GetEnvDuration("DEVICE_LOCK_RETRY", 50*time.Millisecond),
			MaxWait:    GetEnvDuration("DEVICE_LOCK_MAX_WAIT", 5*time.Second),
		},
	}

	globalOnce.Do(func() { global = cfg })
	return cfg
}

// Get returns the first loaded config, loading it on demand.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Dukpt.BDKHex == "" {
		return fmt.Errorf("DUKPT_BDK is required")
	}
	if _, err := hex.DecodeString(c.Dukpt.BDKHex); err != nil {
		return fmt.Errorf("DUKPT_BDK must be hex: %w", err)
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if c.IsProduction() && len(c.Token.Secret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 bytes in production")
	}
	if c.KMS.Enabled && (c.KMS.KeyID == "" || c.KMS.MacKeyID == "") {
		return fmt.Errorf("KMS_KEY_ID and KMS_MAC_KEY_ID are required when KMS is enabled")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func GetEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
