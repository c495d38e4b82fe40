package service

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/encryption"
	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"

	"go.uber.org/zap"
)

const defaultKeyCount = 1000

type KeyState string

const (
	KeyStateInactive   KeyState = "INACTIVE"
	KeyStateActive     KeyState = "ACTIVE"
	KeyStateNearExpiry KeyState = "NEAR_EXPIRY"
	KeyStateExpired    KeyState = "EXPIRED"
)

// KeyInjection is returned by InjectKey and UpdateKey. EncryptedIPEK is the
// IPEK wrapped to the device key, base64.
type KeyInjection struct {
	DeviceID      string    `json:"device_id"`
	KSN           string    `json:"ksn"`
	EncryptedIPEK string    `json:"encrypted_ipek"`
	InjectedAt    time.Time `json:"injected_at"`
	KeyCount      int       `json:"key_count"`
}

type KeyStatus struct {
	DeviceID       string     `json:"device_id"`
	CurrentKSN     string     `json:"current_ksn"`
	RemainingCount int        `json:"remaining_count"`
	TotalCount     int        `json:"total_count"`
	Status         KeyState   `json:"status"`
	InjectedAt     *time.Time `json:"injected_at,omitempty"`
	UpdateRequired bool       `json:"update_required"`
}

type EncryptedPIN struct {
	DeviceID          string    `json:"device_id"`
	KSN               string    `json:"ksn"`
	EncryptedPINBlock string    `json:"encrypted_pin_block"`
	RemainingCount    int       `json:"remaining_count"`
	EncryptedAt       time.Time `json:"encrypted_at"`
}

// KeyService provisions DUKPT keys to devices and uses them for PIN
// encryption. Key changes are serialized per device so a KSN is never
// handed out twice.
type KeyService struct {
	devices  *DeviceService
	repo     repository.DeviceRepository
	deriver  encryption.KeyDeriver
	engine   *dukpt.Engine
	locker   repository.DeviceLocker
	recorder *audit.Recorder
	events   events.Publisher
	logger   *zap.Logger
	keyCount int
	now      func() time.Time
}

func NewKeyService(
	devices *DeviceService,
	repo repository.DeviceRepository,
	deriver encryption.KeyDeriver,
	engine *dukpt.Engine,
	locker repository.DeviceLocker,
	recorder *audit.Recorder,
	publisher events.Publisher,
	logger *zap.Logger,
	keyCount int,
) *KeyService {
	if keyCount <= 0 {
		keyCount = defaultKeyCount
	}
	return &KeyService{
		devices:  devices,
		repo:     repo,
		deriver:  deriver,
		engine:   engine,
		locker:   locker,
		recorder: recorder,
		events:   publisher,
		logger:   logger,
		keyCount: keyCount,
		now:      time.Now,
	}
}

func (s *KeyService) InjectKey(ctx context.Context, deviceID, operator string) (*KeyInjection, error) {
	unlock, err := s.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock device: %w", err)
	}
	defer unlock()

	device, err := s.activeDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.KeyProvisioned() {
		return nil, ErrKeyAlreadyInjected
	}

	injection, err := s.provision(ctx, device, device.CurrentKSN)
	if err != nil {
		s.recorder.Failure(ctx, models.OpKeyInjection, operator, deviceID, err.Error())
		return nil, err
	}

	s.recorder.Success(ctx, models.OpKeyInjection, operator, deviceID, "IPEK injected with KSN "+injection.KSN)
	publishEvent(ctx, s.events, s.logger, s.now, events.TopicDevice, events.DeviceKeyProvisioned, deviceID, map[string]interface{}{
		"ksn":       injection.KSN,
		"key_count": injection.KeyCount,
	})
	s.logger.Info("Key injected", util.DeviceID(deviceID), util.String("ksn", injection.KSN))
	return injection, nil
}

// UpdateKey moves the device to the next KSN and a fresh key budget.
func (s *KeyService) UpdateKey(ctx context.Context, deviceID, operator string) (*KeyInjection, error) {
	unlock, err := s.locker.Lock(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock device: %w", err)
	}
	defer unlock()

	device, err := s.activeDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.KeyProvisioned() {
		return nil, ErrKeyNotInjected
	}

	previous := device.CurrentKSN
	next, err := s.engine.IncrementKSN(previous)
	if err != nil {
		return nil, fmt.Errorf("failed to advance KSN: %w", err)
	}
	injection, err := s.provision(ctx, device, next)
	if err != nil {
		s.recorder.Failure(ctx, models.OpKeyUpdate, operator, deviceID, err.Error())
		return nil, err
	}

	s.recorder.Success(ctx, models.OpKeyUpdate, operator, deviceID,
		fmt.Sprintf("Key updated from KSN %s to %s", previous, next))
	publishEvent(ctx, s.events, s.logger, s.now, events.TopicDevice, events.DeviceKeyProvisioned, deviceID, map[string]interface{}{
		"ksn":          next,
		"previous_ksn": previous,
		"key_count":    injection.KeyCount,
	})
	s.logger.Info("Key updated", util.DeviceID(deviceID), util.String("from", previous), util.String("to", next))
	return injection, nil
}

// provision derives the IPEK for ksn, wraps it to the device and starts a
// new key epoch.
func (s *KeyService) provision(ctx context.Context, device *models.Device, ksn string) (*KeyInjection, error) {
	ipek, err := s.deriver.DeriveIPEK(ctx, device.ID, ksn)
	if err != nil {
		return nil, fmt.Errorf("failed to derive IPEK: %w", err)
	}
	wrapped, err := encryption.WrapForDevice(device.PublicKey, ipek)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap IPEK: %w", err)
	}

	now := s.now().UTC()
	device.ResetKeyBudget(ksn, s.keyCount, now)
	if err := s.repo.UpdateKeyInfo(ctx, device.ID, ksn, now, s.keyCount, s.keyCount); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to store key info: %w", err)
	}
	return &KeyInjection{
		DeviceID:      device.ID,
		KSN:           ksn,
		EncryptedIPEK: base64.StdEncoding.EncodeToString(wrapped),
		InjectedAt:    now,
		KeyCount:      s.keyCount,
	}, nil
}

// EncryptPIN validates the PIN before any key is derived and spends one unit
// of the device's key budget.
func (s *KeyService) EncryptPIN(ctx context.Context, deviceID, pin, operator string) (*EncryptedPIN, error) {
	if err := dukpt.ValidatePIN(pin); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	device, err := s.activeDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.KeyProvisioned() {
		return nil, ErrKeyNotInjected
	}
	if device.KeyRemainingCount <= 0 {
		return nil, ErrKeyBudgetExhausted
	}

	ksn := device.CurrentKSN
	ipek, err := s.deriver.DeriveIPEK(ctx, deviceID, ksn)
	if err != nil {
		return nil, fmt.Errorf("failed to derive IPEK: %w", err)
	}
	workingKey, err := s.deriver.DeriveWorkingKey(ctx, ipek, ksn)
	if err != nil {
		return nil, fmt.Errorf("failed to derive working key: %w", err)
	}
	block, err := s.engine.EncryptPINBlock(pin, workingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt PIN block: %w", err)
	}

	remaining, err := s.repo.DecrementKeyCount(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrKeyBudgetExceeded) {
			return nil, ErrKeyBudgetExhausted
		}
		return nil, fmt.Errorf("failed to decrement key count: %w", err)
	}

	s.recorder.Success(ctx, models.OpPINEncryption, operator, deviceID, "PIN encrypted with KSN "+ksn)
	return &EncryptedPIN{
		DeviceID:          deviceID,
		KSN:               ksn,
		EncryptedPINBlock: hex.EncodeToString(block),
		RemainingCount:    remaining,
		EncryptedAt:       s.now().UTC(),
	}, nil
}

func (s *KeyService) KeyStatus(ctx context.Context, deviceID string) (*KeyStatus, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	status := &KeyStatus{DeviceID: deviceID, Status: KeyStateInactive}
	if !device.KeyProvisioned() {
		return status, nil
	}
	status.CurrentKSN = device.CurrentKSN
	status.RemainingCount = device.KeyRemainingCount
	status.TotalCount = device.KeyTotalCount
	status.InjectedAt = device.IPEKInjectedAt
	status.Status = keyState(device)
	status.UpdateRequired = status.Status == KeyStateNearExpiry || status.Status == KeyStateExpired
	return status, nil
}

// DevicesNeedingKeyUpdate lists active, provisioned devices whose budget is
// near or past exhaustion.
func (s *KeyService) DevicesNeedingKeyUpdate(ctx context.Context) ([]string, error) {
	devices, err := s.repo.List(ctx, repository.DeviceFilter{Status: models.DeviceStatusActive, Limit: maxListLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	var ids []string
	for _, d := range devices {
		if !d.KeyProvisioned() {
			continue
		}
		if st := keyState(d); st == KeyStateNearExpiry || st == KeyStateExpired {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

// keyState: EXPIRED at zero, NEAR_EXPIRY below a tenth of the budget.
func keyState(d *models.Device) KeyState {
	switch {
	case d.KeyRemainingCount <= 0:
		return KeyStateExpired
	case d.KeyRemainingCount < d.KeyTotalCount/10:
		return KeyStateNearExpiry
	}
	return KeyStateActive
}

func (s *KeyService) activeDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceStatusActive {
		return nil, fmt.Errorf("%w: device is %s", ErrDeviceNotActive, device.Status)
	}
	return device, nil
}
