package service

import (
	"device-trust-service/internal/audit"
	"device-trust-service/internal/config"
	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/encryption"
	"device-trust-service/internal/events"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/search"

	"go.uber.org/zap"
)

// Dependencies are the leaves of the service graph.
type Dependencies struct {
	Devices      repository.DeviceRepository
	HealthChecks repository.HealthCheckRepository
	Threats      repository.ThreatRepository
	Transactions repository.TransactionRepository
	Tokens       repository.TokenRegistry
	Locker       repository.DeviceLocker
	Searcher     search.ThreatSearcher
	Engine       *dukpt.Engine
	Deriver      encryption.KeyDeriver
	Recorder     *audit.Recorder
	Publisher    events.Publisher
	Token        config.TokenConfig
	KeyCount     int
}

// ServiceFactory creates and manages service instances. Services are built
// in dependency order: devices, then threats, then tokens, then the
// services that consume those.
type ServiceFactory struct {
	deps   Dependencies
	logger *zap.Logger

	deviceService      *DeviceService
	threatService      *ThreatService
	tokenService       *TokenService
	healthCheckService *HealthCheckService
	keyService         *KeyService
	transactionService *TransactionService
}

// NewServiceFactory fails only when the token configuration is unusable.
func NewServiceFactory(deps Dependencies, logger *zap.Logger) (*ServiceFactory, error) {
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Searcher == nil {
		deps.Searcher = search.NewRepositorySearch(deps.Threats)
	}
	f := &ServiceFactory{deps: deps, logger: logger}

	tokens, err := NewTokenService(deps.Token, f.DeviceService(), deps.Tokens, deps.Recorder, logger.Named("token"))
	if err != nil {
		return nil, err
	}
	f.tokenService = tokens
	return f, nil
}

// DeviceService returns the device service instance (singleton)
func (f *ServiceFactory) DeviceService() *DeviceService {
	if f.deviceService == nil {
		f.deviceService = NewDeviceService(
			f.deps.Devices,
			f.deps.Engine,
			f.deps.Recorder,
			f.deps.Publisher,
			f.logger.Named("device"),
		)
	}
	return f.deviceService
}

// ThreatService returns the threat service instance (singleton)
func (f *ServiceFactory) ThreatService() *ThreatService {
	if f.threatService == nil {
		f.threatService = NewThreatService(
			f.DeviceService(),
			f.deps.Threats,
			f.deps.HealthChecks,
			f.deps.Searcher,
			f.deps.Recorder,
			f.deps.Publisher,
			f.logger.Named("threat"),
		)
	}
	return f.threatService
}

func (f *ServiceFactory) TokenService() *TokenService {
	return f.tokenService
}

// HealthCheckService returns the health check service instance (singleton)
func (f *ServiceFactory) HealthCheckService() *HealthCheckService {
	if f.healthCheckService == nil {
		f.healthCheckService = NewHealthCheckService(
			f.DeviceService(),
			f.ThreatService(),
			f.TokenService(),
			f.deps.HealthChecks,
			f.deps.Threats,
			f.deps.Locker,
			f.deps.Recorder,
			f.logger.Named("health"),
		)
	}
	return f.healthCheckService
}

// KeyService returns the key service instance (singleton)
func (f *ServiceFactory) KeyService() *KeyService {
	if f.keyService == nil {
		f.keyService = NewKeyService(
			f.DeviceService(),
			f.deps.Devices,
			f.deps.Deriver,
			f.deps.Engine,
			f.deps.Locker,
			f.deps.Recorder,
			f.deps.Publisher,
			f.logger.Named("key"),
			f.deps.KeyCount,
		)
	}
	return f.keyService
}

// TransactionService returns the transaction service instance (singleton)
func (f *ServiceFactory) TransactionService() *TransactionService {
	if f.transactionService == nil {
		f.transactionService = NewTransactionService(
			f.DeviceService(),
			f.TokenService(),
			f.deps.Transactions,
			f.deps.Devices,
			f.deps.Recorder,
			f.deps.Publisher,
			f.logger.Named("transaction"),
		)
	}
	return f.transactionService
}

// Recorder exposes the audit recorder for the audit query endpoint.
func (f *ServiceFactory) Recorder() *audit.Recorder {
	return f.deps.Recorder
}
