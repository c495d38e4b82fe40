package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/bucketing"
	"device-trust-service/internal/client"
	"device-trust-service/internal/config"
	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/encryption"
	"device-trust-service/internal/events"
	"device-trust-service/internal/repository/memory"
	"device-trust-service/internal/repository/redis"
	"device-trust-service/internal/repository/scylla"
	"device-trust-service/internal/search"
	"device-trust-service/internal/service"
	"device-trust-service/internal/tls"
	"device-trust-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	threatConsumer   *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	buckets    *bucketing.BucketingManager
	keyManager *encryption.KeyManager

	serviceFactory *service.ServiceFactory

	indexer     *search.Indexer
	stopIndexer context.CancelFunc
	indexerDone chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration, connects every backend and builds the
// service graph. Outside production an unreachable backend is replaced by
// its in-memory counterpart.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config:  cfg,
		logger:  logger,
		buckets: bucketing.NewBucketingManager(cfg),
		closed:  make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeKeys(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize key management: %w", err)
	}

	if err := factory.initializeServices(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	factory.startIndexer()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla", factory.scyllaClient != nil),
		util.Bool("redis", factory.redisClient != nil),
		util.Bool("kafka", factory.kafkaProducer != nil),
		util.Bool("clickhouse", factory.clickhouseClient != nil),
		util.Bool("elasticsearch", factory.esClient != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if c, err := client.NewRedisClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		_ = c.Close()
		initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
	} else {
		f.redisClient = c
		util.Info("Redis client initialized and healthy")
	}

	// ScyllaDB
	if c, err := scylla.NewScyllaClient(f.config, f.buckets); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else if err := c.HealthCheck(); err != nil {
		c.Close()
		initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
	} else {
		f.scyllaClient = c
		util.Info("ScyllaDB client initialized and healthy")
	}

	// Kafka is optional everywhere: events are best effort.
	if producer, err := client.NewKafkaProducer(f.config); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
	}

	// Elasticsearch
	if c, err := client.NewElasticsearchClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		c.Close()
		initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
	} else {
		f.esClient = c
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if c, err := client.NewClickHouseClient(f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else if err := c.HealthCheck(ctx); err != nil {
		_ = c.Close()
		initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
	} else {
		f.clickhouseClient = c
		util.Info("ClickHouse client initialized and healthy")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning - using in-memory fallback", util.ErrorField(err))
		}
	}

	return nil
}

// initializeKeys loads the BDK (decrypting it under KMS when enabled) and
// builds the key manager that derives IPEKs and working keys.
func (f *Factory) initializeKeys() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		f.kmsClient = kms.NewFromConfig(awsCfg)
		kmsAPI = f.kmsClient
	}

	bdk, err := encryption.LoadBDK(ctx, f.config, kmsAPI)
	if err != nil {
		return err
	}
	engine, err := dukpt.NewEngine(bdk)
	if err != nil {
		return err
	}

	f.keyManager = encryption.NewKeyManager(f.config, kmsAPI, engine, f.logger.Named("keys"))
	if err := f.keyManager.CheckConsistency(ctx); err != nil {
		if errors.Is(err, encryption.ErrKeyMismatch) {
			return err
		}
		// Derivation falls back to the local engine, so this is not fatal.
		util.Warn("KMS key check failed - deriving keys locally until it recovers", util.ErrorField(err))
	}

	util.Info("Key management initialized",
		util.Bool("kms_enabled", f.config.KMS.Enabled),
		util.Int("default_key_count", f.config.Dukpt.DefaultKeyCount),
	)
	return nil
}

func (f *Factory) initializeServices() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deps := service.Dependencies{
		Engine:   f.keyManager.Local(),
		Deriver:  f.keyManager,
		Token:    f.config.Token,
		KeyCount: f.config.Dukpt.DefaultKeyCount,
	}

	if f.scyllaClient != nil {
		deps.Devices = scylla.NewDeviceRepository(f.scyllaClient)
		deps.HealthChecks = scylla.NewHealthCheckRepository(f.scyllaClient)
		deps.Threats = scylla.NewThreatRepository(f.scyllaClient)
		deps.Transactions = scylla.NewTransactionRepository(f.scyllaClient)
	} else {
		deps.Devices = memory.NewDeviceStore()
		deps.HealthChecks = memory.NewHealthCheckStore()
		deps.Threats = memory.NewThreatStore()
		deps.Transactions = memory.NewTransactionStore()
	}

	if f.redisClient != nil {
		deps.Locker = redis.NewDeviceLocker(f.redisClient, f.config.Lock)
		deps.Tokens = redis.NewTokenRegistry(f.redisClient)
	} else {
		deps.Locker = memory.NewStripedLocker(f.buckets)
		deps.Tokens = memory.NewTokenRegistry()
	}

	var sink audit.Sink = audit.NewMemorySink()
	if f.clickhouseClient != nil {
		chSink, err := audit.NewClickHouseSink(ctx, f.clickhouseClient)
		if err != nil {
			if f.config.IsProduction() {
				return err
			}
			util.Warn("ClickHouse audit sink unavailable - keeping audit in memory", util.ErrorField(err))
		} else {
			sink = chSink
		}
	}
	deps.Recorder = audit.NewRecorder(sink, f.buckets, f.logger.Named("audit"))

	if f.kafkaProducer != nil {
		publisher := events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka)
		deps.Publisher = publisher
		util.Info("Kafka event publisher ready",
			util.String("device_topic", publisher.TopicName(events.TopicDevice)),
			util.String("threat_topic", publisher.TopicName(events.TopicThreat)),
			util.String("payment_topic", publisher.TopicName(events.TopicPayment)),
		)
	}

	// The index is only trustworthy while the event stream feeds it.
	if f.esClient != nil && f.kafkaProducer != nil {
		index, err := search.NewThreatIndex(ctx, f.esClient, f.config.Elasticsearch.ThreatIndex)
		if err != nil {
			util.Warn("Threat index unavailable - searching the repository instead", util.ErrorField(err))
		} else {
			f.threatConsumer = client.NewKafkaConsumer(f.config, f.config.Kafka.ThreatTopic, f.config.Kafka.IndexerGroup)
			f.indexer = search.NewIndexer(f.threatConsumer, index, f.logger.Named("indexer"))
			deps.Searcher = index
		}
	}

	services, err := service.NewServiceFactory(deps, f.logger)
	if err != nil {
		return err
	}
	f.serviceFactory = services
	return nil
}

func (f *Factory) startIndexer() {
	if f.indexer == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.stopIndexer = cancel
	f.indexerDone = make(chan struct{})
	go func() {
		defer close(f.indexerDone)
		if err := f.indexer.Run(ctx); err != nil {
			util.Error("Threat indexer stopped", util.ErrorField(err))
		}
	}()
	util.Info("Threat indexer started", util.String("topic", f.config.Kafka.ThreatTopic))
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every connected backend. Backends replaced by
// in-memory fallbacks are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.keyManager == nil {
		healthErrors["keys"] = fmt.Errorf("key manager not initialized")
	} else if err := f.keyManager.HealthCheck(ctx); err != nil {
		healthErrors["kms"] = err
	}
	if f.serviceFactory == nil {
		healthErrors["services"] = fmt.Errorf("service factory not initialized")
	}

	return healthErrors
}

// Probe folds HealthCheck into one error for the /health endpoint. Kafka and
// KMS degrade gracefully and never fail the probe.
func (f *Factory) Probe(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)
	var errs []error
	for name, err := range healthErrors {
		if name == "kafka" || name == "kms" {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.Probe(ctx) == nil
}

// ==============================
// Shutdown
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.stopIndexer != nil {
			f.stopIndexer()
			<-f.indexerDone
			util.Info("Threat indexer stopped")
		}

		if f.threatConsumer != nil {
			if err := f.threatConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Services() *service.ServiceFactory {
	return f.serviceFactory
}
