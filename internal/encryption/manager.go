package encryption

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"device-trust-service/internal/config"
	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrHSMUnavailable   = errors.New("external key service unavailable")
	ErrKeyMismatch      = errors.New("KMS MAC key does not match the base derivation key")
)

const consistencyKSN = dukpt.IssuerID + "00000000000000"

// KMSAPI is the slice of the KMS client the key manager uses.
type KMSAPI interface {
	GenerateMac(ctx context.Context, in *kms.GenerateMacInput, optFns ...func(*kms.Options)) (*kms.GenerateMacOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KeyDeriver produces IPEKs and working keys. Implementations never fail on
// external degradation; only malformed input is an error.
type KeyDeriver interface {
	DeriveIPEK(ctx context.Context, deviceID, ksn string) ([]byte, error)
	DeriveWorkingKey(ctx context.Context, ipek []byte, ksn string) ([]byte, error)
}

// KeyManager derives IPEKs in KMS and falls back to the local engine on any
// KMS failure. The KMS MAC key must be an HMAC_256 key whose imported material
// is the BDK, so both paths produce the same IPEK. With KMS disabled it is
// local only.
type KeyManager struct {
	kmsClient KMSAPI
	local     *dukpt.Engine
	macKeyID  string
	timeout   time.Duration
	enabled   bool
	logger    *zap.Logger
}

func NewKeyManager(cfg *config.Config, kmsClient KMSAPI, local *dukpt.Engine, logger *zap.Logger) *KeyManager {
	timeout := cfg.KMS.CallTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &KeyManager{
		kmsClient: kmsClient,
		local:     local,
		macKeyID:  cfg.KMS.MacKeyID,
		timeout:   timeout,
		enabled:   cfg.KMS.Enabled && kmsClient != nil,
		logger:    logger,
	}
}

func (m *KeyManager) Local() *dukpt.Engine {
	return m.local
}

func (m *KeyManager) DeriveIPEK(ctx context.Context, deviceID, ksn string) ([]byte, error) {
	msg, err := dukpt.IPEKMessage(ksn)
	if err != nil {
		return nil, err
	}

	if m.enabled {
		key, err := m.generateMac(ctx, msg)
		if err == nil {
			m.logger.Debug("IPEK derived by KMS", util.DeviceID(deviceID))
			return key, nil
		}
		m.logger.Warn("KMS unavailable, deriving IPEK locally",
			util.DeviceID(deviceID), util.ErrorField(err))
	}
	return m.local.DeriveIPEK(ksn)
}

// DeriveWorkingKey is always local: the IPEK is already outside the HSM.
func (m *KeyManager) DeriveWorkingKey(_ context.Context, ipek []byte, ksn string) ([]byte, error) {
	return m.local.DeriveWorkingKey(ipek, ksn)
}

// CheckConsistency derives a canary IPEK in KMS and locally. A mismatch means
// the KMS key material is not the BDK and the fallback would hand out
// different keys.
func (m *KeyManager) CheckConsistency(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	msg, err := dukpt.IPEKMessage(consistencyKSN)
	if err != nil {
		return err
	}
	remote, err := m.generateMac(ctx, msg)
	if err != nil {
		return err
	}
	local, err := m.local.DeriveIPEK(consistencyKSN)
	if err != nil {
		return err
	}
	if !hmac.Equal(remote, local) {
		return ErrKeyMismatch
	}
	return nil
}

func (m *KeyManager) generateMac(ctx context.Context, msg []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.kmsClient.GenerateMac(ctx, &kms.GenerateMacInput{
		KeyId:        aws.String(m.macKeyID),
		Message:      msg,
		MacAlgorithm: types.MacAlgorithmSpecHmacSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHSMUnavailable, err)
	}
	if len(out.Mac) < dukpt.KeyLength {
		return nil, fmt.Errorf("%w: short MAC (%d bytes)", ErrHSMUnavailable, len(out.Mac))
	}
	return append([]byte(nil), out.Mac[:dukpt.KeyLength]...), nil
}

// HealthCheck reports whether the KMS MAC key is reachable. Disabled KMS is
// healthy by definition.
func (m *KeyManager) HealthCheck(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := m.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(m.macKeyID)}); err != nil {
		return fmt.Errorf("%w: %v", ErrHSMUnavailable, err)
	}
	return nil
}

// LoadBDK returns the base derivation key. With KMS enabled the configured
// value is a KMS ciphertext blob and is decrypted under KMS.KeyID.
func LoadBDK(ctx context.Context, cfg *config.Config, kmsClient KMSAPI) ([]byte, error) {
	blob, err := hex.DecodeString(cfg.Dukpt.BDKHex)
	if err != nil || len(blob) == 0 {
		return nil, fmt.Errorf("%w: DUKPT_BDK is not valid hex", ErrDecryptionFailed)
	}
	if !cfg.KMS.Enabled {
		return blob, nil
	}
	if kmsClient == nil {
		return nil, fmt.Errorf("%w: KMS enabled without a client", ErrDecryptionFailed)
	}

	out, err := kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(cfg.KMS.KeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return out.Plaintext, nil
}
