package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/bucketing"
	"device-trust-service/internal/config"
	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/encryption"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository/memory"
	"device-trust-service/internal/service"
)

type apiFixture struct {
	router chi.Router
	pubPEM string
}

func newAPI(t *testing.T, opts RouterOptions) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	buckets := bucketing.New(16, 16)
	engine, err := dukpt.NewEngine([]byte("0123456789ABCDEFFEDCBA9876543210"))
	require.NoError(t, err)
	cfg := &config.Config{}

	services, err := service.NewServiceFactory(service.Dependencies{
		Devices:      memory.NewDeviceStore(),
		HealthChecks: memory.NewHealthCheckStore(),
		Threats:      memory.NewThreatStore(),
		Transactions: memory.NewTransactionStore(),
		Tokens:       memory.NewTokenRegistry(),
		Locker:       memory.NewStripedLocker(buckets),
		Engine:       engine,
		Deriver:      encryption.NewKeyManager(cfg, nil, engine, logger),
		Recorder:     audit.NewRecorder(audit.NewMemorySink(), buckets, logger),
		Token:        config.TokenConfig{Secret: "0123456789abcdef0123456789abcdef", TTL: time.Minute},
	}, logger)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	return &apiFixture{
		router: NewRouter(services, opts, logger),
		pubPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}
}

// call performs a request and decodes the envelope; data is decoded into out
// when non-nil.
func (a *apiFixture) call(t *testing.T, method, path string, body interface{}, out interface{}) (int, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OperatorHeader, "ops@example.com")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return rec.Code, env.Response
}

func (a *apiFixture) activeDevice(t *testing.T, imei string) *models.Device {
	t.Helper()
	var device models.Device
	code, _ := a.call(t, http.MethodPost, "/api/v1/devices", map[string]interface{}{
		"imei":       imei,
		"model":      "P2 Pro",
		"tee_type":   "QTEE",
		"public_key": a.pubPEM,
	}, &device)
	require.Equal(t, http.StatusCreated, code)

	code, _ = a.call(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/approve", nil, &device)
	require.Equal(t, http.StatusOK, code)
	return &device
}

// =============================================================================
// Router plumbing
// =============================================================================

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		health   func(context.Context) error
		wantCode int
	}{
		{"no health check", nil, http.StatusOK},
		{"dependencies healthy", func(context.Context) error { return nil }, http.StatusOK},
		{"dependency down", func(context.Context) error { return errors.New("redis down") }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newAPI(t, RouterOptions{Health: tt.health})
			rec := httptest.NewRecorder()
			api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestRequireTLS(t *testing.T) {
	api := newAPI(t, RouterOptions{RequireTLS: true})

	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFound(t *testing.T) {
	api := newAPI(t, RouterOptions{})
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v2/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"endpoint not found"}`, rec.Body.String())
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: imei", service.ErrInvalidInput), http.StatusBadRequest},
		{service.ErrDeviceNotFound, http.StatusNotFound},
		{service.ErrThreatNotFound, http.StatusNotFound},
		{service.ErrDeviceAlreadyExists, http.StatusConflict},
		{fmt.Errorf("%w: REVOKED -> ACTIVE", models.ErrInvalidTransition), http.StatusConflict},
		{models.ErrThreatAlreadyResolved, http.StatusConflict},
		{service.ErrTokenExpired, http.StatusUnauthorized},
		{service.ErrTokenAlreadyUsed, http.StatusUnauthorized},
		{service.ErrTokenDeviceMismatch, http.StatusForbidden},
		{service.ErrAmountExceedsLimit, http.StatusForbidden},
		{service.ErrKeyBudgetExhausted, http.StatusPreconditionFailed},
		{service.ErrKSNMismatch, http.StatusPreconditionFailed},
		{service.ErrInvalidScore, http.StatusUnprocessableEntity},
		{service.ErrTokenRegistry, http.StatusServiceUnavailable},
		{audit.ErrQueryUnsupported, http.StatusNotImplemented},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.err), tt.err.Error())
	}
}

// =============================================================================
// API flows
// =============================================================================

func TestDeviceEndpoints(t *testing.T) {
	api := newAPI(t, RouterOptions{})
	device := api.activeDevice(t, "356938035643801")
	assert.Equal(t, models.DeviceStatusActive, device.Status)

	t.Run("duplicate IMEI conflicts", func(t *testing.T) {
		code, resp := api.call(t, http.MethodPost, "/api/v1/devices", map[string]interface{}{
			"imei": "356938035643801", "model": "P2 Pro", "tee_type": "QTEE", "public_key": api.pubPEM,
		}, nil)
		assert.Equal(t, http.StatusConflict, code)
		assert.False(t, resp.Success)
	})

	t.Run("unknown body field rejected", func(t *testing.T) {
		code, _ := api.call(t, http.MethodPost, "/api/v1/devices", map[string]interface{}{"imei": "1", "colour": "red"}, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("approve twice conflicts", func(t *testing.T) {
		code, _ := api.call(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/approve", nil, nil)
		assert.Equal(t, http.StatusConflict, code)
	})

	t.Run("suspend with reason", func(t *testing.T) {
		var suspended models.Device
		code, _ := api.call(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/suspend", reasonRequest{Reason: "audit"}, &suspended)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, models.DeviceStatusSuspended, suspended.Status)
	})

	t.Run("list by status", func(t *testing.T) {
		var devices []models.Device
		code, resp := api.call(t, http.MethodGet, "/api/v1/devices?status=SUSPENDED", nil, &devices)
		assert.Equal(t, http.StatusOK, code)
		assert.Len(t, devices, 1)
		require.NotNil(t, resp.Meta)
		assert.Equal(t, int64(1), resp.Meta.Total)
	})

	t.Run("bad limit", func(t *testing.T) {
		code, _ := api.call(t, http.MethodGet, "/api/v1/devices?limit=5000", nil, nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("missing device", func(t *testing.T) {
		code, _ := api.call(t, http.MethodGet, "/api/v1/devices/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestPaymentFlow(t *testing.T) {
	api := newAPI(t, RouterOptions{})
	device := api.activeDevice(t, "356938035643802")

	code, _ := api.call(t, http.MethodPost, "/api/v1/keys/"+device.ID+"/inject", nil, nil)
	require.Equal(t, http.StatusCreated, code)

	var check service.HealthCheckResult
	code, _ = api.call(t, http.MethodPost, "/api/v1/health-checks", map[string]interface{}{
		"device_id":     device.ID,
		"request_token": true,
	}, &check)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, check.Token)

	var verified verifyTokenResponse
	code, _ = api.call(t, http.MethodPost, "/api/v1/tokens/verify", verifyTokenRequest{
		DeviceID: device.ID, Token: check.Token.Token,
	}, &verified)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, verified.Valid)
	assert.Equal(t, int64(1_000_000), verified.MaxAmount)

	payment := service.ProcessTransactionRequest{
		DeviceID:        device.ID,
		Token:           check.Token.Token,
		TransactionType: "PAYMENT",
		Amount:          1050,
		Currency:        "EUR",
		KSN:             device.CurrentKSN,
	}
	var result service.TransactionResult
	code, _ = api.call(t, http.MethodPost, "/api/v1/transactions", payment, &result)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.TransactionApproved, result.Transaction.Status)

	code, resp := api.call(t, http.MethodPost, "/api/v1/transactions", payment, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, resp.Error, "already used")

	var events []models.AuditEvent
	code, _ = api.call(t, http.MethodGet, "/api/v1/audit?device_id="+device.ID+"&operation="+models.OpTransactionProcessing, nil, &events)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, events, 1)
}

func TestThreatEndpoints(t *testing.T) {
	api := newAPI(t, RouterOptions{})
	device := api.activeDevice(t, "356938035643803")

	var check service.HealthCheckResult
	code, _ := api.call(t, http.MethodPost, "/api/v1/health-checks", map[string]interface{}{
		"device_id":      device.ID,
		"root_detection": true,
	}, &check)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.DeviceStatusSuspended, check.DeviceStatus)
	require.Len(t, check.Threats, 1)
	threatID := check.Threats[0].ID

	var found []models.ThreatEvent
	code, _ = api.call(t, http.MethodGet, "/api/v1/threats/search?q=root", nil, &found)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, found, 1)

	code, _ = api.call(t, http.MethodGet, "/api/v1/threats?severity=BOGUS", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var resolved models.ThreatEvent
	code, _ = api.call(t, http.MethodPost, "/api/v1/threats/"+threatID+"/resolve", resolveRequest{Notes: "reflashed"}, &resolved)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)

	code, _ = api.call(t, http.MethodPost, "/api/v1/threats/"+threatID+"/resolve", nil, nil)
	assert.Equal(t, http.StatusConflict, code)

	var report reportThreatResponse
	code, _ = api.call(t, http.MethodPost, "/api/v1/threats/report", service.ReportThreatRequest{
		DeviceID: device.ID, ThreatType: "TEE_COMPROMISE", Severity: "CRITICAL",
	}, &report)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, models.ActionRevoke, report.Action)

	code, _ = api.call(t, http.MethodPost, "/api/v1/health-checks", map[string]interface{}{"device_id": device.ID}, nil)
	assert.Equal(t, http.StatusPreconditionFailed, code)
}
