package service

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/bucketing"
	"device-trust-service/internal/config"
	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/encryption"
	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository/memory"
)

const testTokenSecret = "0123456789abcdef0123456789abcdef"

var (
	deviceKeyOnce sync.Once
	deviceKey     *rsa.PrivateKey
	imeiSeq       atomic.Int64
)

// testDeviceKey is shared across tests; RSA generation dominates test time.
func testDeviceKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	deviceKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		deviceKey = k
	})
	return deviceKey
}

func publicKeyPEM(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&testDeviceKey(t).PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, payload []byte) string {
	t.Helper()
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, testDeviceKey(t), crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func nextIMEI() string {
	return fmt.Sprintf("35693803%07d", imeiSeq.Add(1))
}

type fixture struct {
	ctx          context.Context
	devices      *memory.DeviceStore
	healthChecks *memory.HealthCheckStore
	threats      *memory.ThreatStore
	transactions *memory.TransactionStore
	registry     *memory.TokenRegistry
	sink         *audit.MemorySink
	publisher    *events.MemoryPublisher
	engine       *dukpt.Engine
	services     *ServiceFactory
}

func newFixture(t *testing.T, opts ...func(*Dependencies)) *fixture {
	t.Helper()
	logger := zap.NewNop()
	buckets := bucketing.New(16, 16)

	engine, err := dukpt.NewEngine([]byte("0123456789ABCDEFFEDCBA9876543210"))
	require.NoError(t, err)
	cfg := &config.Config{Dukpt: config.DukptConfig{DefaultKeyCount: 1000}}

	f := &fixture{
		ctx:          context.Background(),
		devices:      memory.NewDeviceStore(),
		healthChecks: memory.NewHealthCheckStore(),
		threats:      memory.NewThreatStore(),
		transactions: memory.NewTransactionStore(),
		registry:     memory.NewTokenRegistry(),
		sink:         audit.NewMemorySink(),
		publisher:    events.NewMemoryPublisher(),
		engine:       engine,
	}
	deps := Dependencies{
		Devices:      f.devices,
		HealthChecks: f.healthChecks,
		Threats:      f.threats,
		Transactions: f.transactions,
		Tokens:       f.registry,
		Locker:       memory.NewStripedLocker(buckets),
		Engine:       engine,
		Deriver:      encryption.NewKeyManager(cfg, nil, engine, logger),
		Recorder:     audit.NewRecorder(f.sink, buckets, logger),
		Publisher:    f.publisher,
		Token:        config.TokenConfig{Secret: testTokenSecret, Issuer: "test", TTL: 5 * time.Minute, ExpiryThreshold: time.Minute},
		KeyCount:     cfg.Dukpt.DefaultKeyCount,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.services, err = NewServiceFactory(deps, logger)
	require.NoError(t, err)
	return f
}

func (f *fixture) registerRequest(t *testing.T) *RegisterDeviceRequest {
	t.Helper()
	return &RegisterDeviceRequest{
		IMEI:       nextIMEI(),
		Model:      "P2 Pro",
		OSVersion:  "13",
		TeeType:    string(models.TeeTypeQTEE),
		PublicKey:  publicKeyPEM(t),
		NFCPresent: true,
		MerchantID: "m-1",
	}
}

func (f *fixture) pendingDevice(t *testing.T) *models.Device {
	t.Helper()
	d, err := f.services.DeviceService().Register(f.ctx, f.registerRequest(t), "operator")
	require.NoError(t, err)
	return d
}

func (f *fixture) activeDevice(t *testing.T) *models.Device {
	t.Helper()
	d := f.pendingDevice(t)
	d, err := f.services.DeviceService().Approve(f.ctx, d.ID, "admin")
	require.NoError(t, err)
	return d
}

func (f *fixture) provisionedDevice(t *testing.T) *models.Device {
	t.Helper()
	d := f.activeDevice(t)
	_, err := f.services.KeyService().InjectKey(f.ctx, d.ID, "admin")
	require.NoError(t, err)
	return f.reload(t, d.ID)
}

func (f *fixture) reload(t *testing.T, id string) *models.Device {
	t.Helper()
	d, err := f.devices.FindByID(f.ctx, id)
	require.NoError(t, err)
	return d
}

func (f *fixture) seedHealthCheck(t *testing.T, deviceID string, score int, at time.Time) {
	t.Helper()
	hc := models.NewHealthCheck(deviceID, models.HealthySignals(), score, RecommendedAction(score), at)
	require.NoError(t, f.healthChecks.Create(f.ctx, hc))
}

func (f *fixture) seedThreat(t *testing.T, deviceID string) *models.ThreatEvent {
	t.Helper()
	threat := models.NewThreatEvent(deviceID, models.ThreatOther, models.SeverityLow, "seeded", time.Now().UTC())
	require.NoError(t, f.threats.Create(f.ctx, threat))
	return threat
}
