package encryption

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"testing"

	"device-trust-service/internal/config"
	"device-trust-service/internal/dukpt"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeKMS MACs with key, standing in for an HMAC_256 key with imported
// material.
type fakeKMS struct {
	macErr    error
	key       []byte
	plaintext []byte
	macCalls  int
	messages  [][]byte
}

func (f *fakeKMS) GenerateMac(_ context.Context, in *kms.GenerateMacInput, _ ...func(*kms.Options)) (*kms.GenerateMacOutput, error) {
	f.macCalls++
	if f.macErr != nil {
		return nil, f.macErr
	}
	f.messages = append(f.messages, in.Message)
	mac := hmac.New(sha256.New, f.key)
	mac.Write(in.Message)
	return &kms.GenerateMacOutput{Mac: mac.Sum(nil)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, _ *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: f.plaintext}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, _ *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	return &kms.DescribeKeyOutput{}, f.macErr
}

var testBDK = []byte("bdk-material")

func testConfig(kmsEnabled bool) *config.Config {
	return &config.Config{
		KMS:   config.KMSConfig{Enabled: kmsEnabled, KeyID: "k", MacKeyID: "mac"},
		Dukpt: config.DukptConfig{BDKHex: hex.EncodeToString(testBDK)},
	}
}

func testEngine(t *testing.T) *dukpt.Engine {
	t.Helper()
	e, err := dukpt.NewEngine(testBDK)
	require.NoError(t, err)
	return e
}

const testKSN = "FFFF00ABCDEF01230000"

// ==============================
// Derivation
// ==============================

func TestKeyManager_UsesKMS(t *testing.T) {
	f := &fakeKMS{key: testBDK}
	engine := testEngine(t)
	m := NewKeyManager(testConfig(true), f, engine, zap.NewNop())

	ipek, err := m.DeriveIPEK(context.Background(), "dev", testKSN)
	require.NoError(t, err)
	assert.Equal(t, 1, f.macCalls)
	assert.Len(t, ipek, dukpt.KeyLength)

	msg, err := dukpt.IPEKMessage(testKSN)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{msg}, f.messages)

	want, err := engine.DeriveIPEK(testKSN)
	require.NoError(t, err)
	assert.Equal(t, want, ipek)
}

func TestKeyManager_FallbackIsTransparent(t *testing.T) {
	ksns := []string{testKSN, "FFFF00ABCDEF01230001", "FFFF000123456789FFFF"}
	f := &fakeKMS{key: testBDK}
	m := NewKeyManager(testConfig(true), f, testEngine(t), zap.NewNop())
	ctx := context.Background()

	for _, ksn := range ksns {
		f.macErr = nil
		healthyIPEK, err := m.DeriveIPEK(ctx, "dev", ksn)
		require.NoError(t, err)
		healthyWK, err := m.DeriveWorkingKey(ctx, healthyIPEK, ksn)
		require.NoError(t, err)

		f.macErr = errors.New("throttled")
		outageIPEK, err := m.DeriveIPEK(ctx, "dev", ksn)
		require.NoError(t, err)
		outageWK, err := m.DeriveWorkingKey(ctx, outageIPEK, ksn)
		require.NoError(t, err)

		assert.Equal(t, healthyIPEK, outageIPEK, ksn)
		assert.Equal(t, healthyWK, outageWK, ksn)
	}
	assert.Error(t, m.HealthCheck(ctx))
}

func TestKeyManager_PINBlockSurvivesOutage(t *testing.T) {
	f := &fakeKMS{key: testBDK}
	engine := testEngine(t)
	m := NewKeyManager(testConfig(true), f, engine, zap.NewNop())
	ctx := context.Background()

	// Key handed to the terminal while KMS is healthy.
	provisioned, err := m.DeriveIPEK(ctx, "dev", testKSN)
	require.NoError(t, err)

	f.macErr = errors.New("unreachable")
	ipek, err := m.DeriveIPEK(ctx, "dev", testKSN)
	require.NoError(t, err)
	wk, err := m.DeriveWorkingKey(ctx, ipek, testKSN)
	require.NoError(t, err)
	block, err := engine.EncryptPINBlock("4321", wk)
	require.NoError(t, err)

	terminalWK, err := engine.DeriveWorkingKey(provisioned, testKSN)
	require.NoError(t, err)
	pin, err := engine.DecryptPINBlock(block, terminalWK)
	require.NoError(t, err)
	assert.Equal(t, "4321", pin)
}

func TestKeyManager_CheckConsistency(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		kms     *fakeKMS
		wantErr error
	}{
		{name: "matching key material", enabled: true, kms: &fakeKMS{key: testBDK}},
		{name: "wrong key material", enabled: true, kms: &fakeKMS{key: []byte("other")}, wantErr: ErrKeyMismatch},
		{name: "kms unavailable", enabled: true, kms: &fakeKMS{macErr: errors.New("down")}, wantErr: ErrHSMUnavailable},
		{name: "disabled", enabled: false, kms: &fakeKMS{key: []byte("other")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewKeyManager(testConfig(tt.enabled), tt.kms, testEngine(t), zap.NewNop())
			err := m.CheckConsistency(context.Background())
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestKeyManager_DisabledIsLocal(t *testing.T) {
	f := &fakeKMS{key: testBDK}
	m := NewKeyManager(testConfig(false), f, testEngine(t), zap.NewNop())
	_, err := m.DeriveIPEK(context.Background(), "dev", testKSN)
	require.NoError(t, err)
	assert.Zero(t, f.macCalls)
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestKeyManager_InvalidKSNNotMasked(t *testing.T) {
	f := &fakeKMS{key: testBDK}
	m := NewKeyManager(testConfig(true), f, testEngine(t), zap.NewNop())
	_, err := m.DeriveIPEK(context.Background(), "dev", "zz")
	assert.ErrorIs(t, err, dukpt.ErrInvalidKSN)
	assert.Zero(t, f.macCalls)
}

// ==============================
// BDK and device keys
// ==============================

func TestLoadBDK(t *testing.T) {
	bdk, err := LoadBDK(context.Background(), testConfig(false), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("bdk-material"), bdk)

	bdk, err = LoadBDK(context.Background(), testConfig(true), &fakeKMS{plaintext: []byte("unwrapped")})
	require.NoError(t, err)
	assert.Equal(t, []byte("unwrapped"), bdk)

	_, err = LoadBDK(context.Background(), testConfig(true), nil)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDeviceSignatureAndWrap(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	msg := []byte("dev-1:true:false:false:false:false")
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)

	for _, key := range [][]byte{der, pemKey} {
		assert.NoError(t, VerifyDeviceSignature(key, msg, base64.StdEncoding.EncodeToString(sig)))
		assert.ErrorIs(t, VerifyDeviceSignature(key, []byte("tampered"), base64.StdEncoding.EncodeToString(sig)), ErrInvalidSignature)
	}

	wrapped, err := WrapForDevice(pemKey, []byte("0123456789abcdef"))
	require.NoError(t, err)
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, []byte("ipek"))
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789abcdef"), plain)

	_, err = ParseDevicePublicKey([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}
