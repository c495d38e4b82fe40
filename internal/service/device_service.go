package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
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

const (
	ActorSystem      = "system"
	defaultListLimit = 100
	maxListLimit     = 1000
)

// DeviceService owns the device state machine. Every status write goes
// through Transition so the edge table and the compare-and-set are enforced
// in one place.
type DeviceService struct {
	devices  repository.DeviceRepository
	dukpt    *dukpt.Engine
	recorder *audit.Recorder
	events   events.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

// RegisterDeviceRequest is what a terminal sends on first contact.
// PublicKey is a PEM block or base64 PKIX DER.
type RegisterDeviceRequest struct {
	IMEI         string `json:"imei"`
	Model        string `json:"model"`
	OSVersion    string `json:"os_version"`
	TeeType      string `json:"tee_type"`
	DeviceMode   string `json:"device_mode,omitempty"`
	PublicKey    string `json:"public_key"`
	NFCPresent   bool   `json:"nfc_present"`
	MerchantID   string `json:"merchant_id,omitempty"`
	MerchantName string `json:"merchant_name,omitempty"`
}

type DeviceStatistics struct {
	Total    int64                         `json:"total"`
	ByStatus map[models.DeviceStatus]int64 `json:"by_status"`
}

// statusChangedEvent is the payload of DeviceStatusChanged.
type statusChangedEvent struct {
	From   models.DeviceStatus `json:"from"`
	To     models.DeviceStatus `json:"to"`
	Actor  string              `json:"actor"`
	Reason string              `json:"reason,omitempty"`
}

func NewDeviceService(
	devices repository.DeviceRepository,
	engine *dukpt.Engine,
	recorder *audit.Recorder,
	publisher events.Publisher,
	logger *zap.Logger,
) *DeviceService {
	return &DeviceService{
		devices:  devices,
		dukpt:    engine,
		recorder: recorder,
		events:   publisher,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *DeviceService) Register(ctx context.Context, req *RegisterDeviceRequest, operator string) (*models.Device, error) {
	startTime := time.Now()

	if err := validateRegisterRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	tee, err := models.ParseTeeType(req.TeeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	mode, err := models.ParseDeviceMode(req.DeviceMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	publicKey, err := decodePublicKey(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if _, err := s.devices.FindByIMEI(ctx, req.IMEI); err == nil {
		return nil, fmt.Errorf("%w: IMEI %s", ErrDeviceAlreadyExists, req.IMEI)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to check IMEI: %w", err)
	}

	now := s.now().UTC()
	device := models.NewDevice(req.IMEI, strings.TrimSpace(req.Model), req.OSVersion, tee, mode, publicKey, req.NFCPresent, now)
	device.MerchantID = req.MerchantID
	device.MerchantName = util.SanitizeText(req.MerchantName, 128)

	ksn, err := s.dukpt.GenerateInitialKSN(device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial KSN: %w", err)
	}
	device.CurrentKSN = ksn

	if err := s.devices.Create(ctx, device); err != nil {
		if errors.Is(err, repository.ErrDuplicateIMEI) {
			return nil, fmt.Errorf("%w: IMEI %s", ErrDeviceAlreadyExists, req.IMEI)
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	s.recorder.Success(ctx, models.OpDeviceRegistered, operator, device.ID,
		fmt.Sprintf("Device registered: IMEI=%s, Model=%s", device.IMEI, device.Model))
	s.publish(ctx, events.TopicDevice, events.DeviceRegistered, device.ID, device)

	s.logger.Info("Device registered",
		util.DeviceID(device.ID),
		util.String("model", device.Model),
		util.String("ksn", ksn),
		util.Duration("duration", time.Since(startTime)),
	)
	return device, nil
}

func (s *DeviceService) Approve(ctx context.Context, deviceID, operator string) (*models.Device, error) {
	return s.TransitionWithAudit(ctx, deviceID, models.DeviceStatusActive, operator, models.OpDeviceApproved, "Device approved and activated")
}

func (s *DeviceService) Reject(ctx context.Context, deviceID, operator, reason string) (*models.Device, error) {
	return s.TransitionWithAudit(ctx, deviceID, models.DeviceStatusRejected, operator, models.OpDeviceRejected,
		"Device rejected: "+util.SanitizeText(reason, 256))
}

func (s *DeviceService) Suspend(ctx context.Context, deviceID, operator, reason string) (*models.Device, error) {
	return s.TransitionWithAudit(ctx, deviceID, models.DeviceStatusSuspended, operator, models.OpDeviceSuspended,
		"Device suspended: "+util.SanitizeText(reason, 256))
}

// Resume is the manual SUSPENDED -> ACTIVE edge.
func (s *DeviceService) Resume(ctx context.Context, deviceID, operator string) (*models.Device, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceStatusSuspended {
		return nil, fmt.Errorf("%w: device is %s", ErrDeviceNotEligible, device.Status)
	}
	return s.TransitionWithAudit(ctx, deviceID, models.DeviceStatusActive, operator, models.OpDeviceResumed, "Device resumed")
}

func (s *DeviceService) Revoke(ctx context.Context, deviceID, operator, reason string) (*models.Device, error) {
	return s.TransitionWithAudit(ctx, deviceID, models.DeviceStatusRevoked, operator, models.OpDeviceRevoked,
		"Device revoked: "+util.SanitizeText(reason, 256))
}

// Transition moves a device along one edge of the status table. Illegal
// edges fail with models.ErrInvalidTransition before any write; a status
// changed underneath us fails with ErrStatusConflict.
func (s *DeviceService) Transition(ctx context.Context, deviceID string, to models.DeviceStatus, actor string) (*models.Device, models.DeviceStatus, error) {
	device, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, "", err
	}
	from := device.Status
	if err := device.TransitionTo(to, actor, s.now().UTC()); err != nil {
		return nil, from, err
	}
	if err := s.devices.UpdateStatus(ctx, device, from); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, from, fmt.Errorf("%w: expected %s", ErrStatusConflict, from)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, from, ErrDeviceNotFound
		}
		return nil, from, fmt.Errorf("failed to update device status: %w", err)
	}

	s.logger.Info("Device status changed",
		util.DeviceID(deviceID),
		util.String("from", string(from)),
		util.String("to", string(to)),
		util.String("actor", actor),
	)
	return device, from, nil
}

// TransitionWithAudit is Transition plus the audit record and status event.
func (s *DeviceService) TransitionWithAudit(ctx context.Context, deviceID string, to models.DeviceStatus, actor, op, details string) (*models.Device, error) {
	device, from, err := s.Transition(ctx, deviceID, to, actor)
	if err != nil {
		if from != "" {
			s.recorder.Failure(ctx, op, actor, deviceID, err.Error())
		}
		return nil, err
	}
	s.recorder.Success(ctx, op, actor, deviceID, details)
	s.publish(ctx, events.TopicDevice, events.DeviceStatusChanged, deviceID, statusChangedEvent{
		From: from, To: to, Actor: actor, Reason: details,
	})
	return device, nil
}

func (s *DeviceService) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	device, err := s.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, notFound(err, ErrDeviceNotFound, "device")
	}
	return device, nil
}

func (s *DeviceService) List(ctx context.Context, filter repository.DeviceFilter) ([]*models.Device, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	devices, err := s.devices.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// UpdateSecurityScore validates the range before anything is written.
func (s *DeviceService) UpdateSecurityScore(ctx context.Context, deviceID string, score int) error {
	if score < models.MinSecurityScore || score > models.MaxSecurityScore {
		return fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	if err := s.devices.UpdateSecurityScore(ctx, deviceID, score, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("failed to update security score: %w", err)
	}
	return nil
}

func (s *DeviceService) Statistics(ctx context.Context) (*DeviceStatistics, error) {
	counts, err := s.devices.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count devices: %w", err)
	}
	stats := &DeviceStatistics{ByStatus: make(map[models.DeviceStatus]int64, len(models.AllDeviceStatuses))}
	for _, st := range models.AllDeviceStatuses {
		stats.ByStatus[st] = counts[st]
		stats.Total += counts[st]
	}
	return stats, nil
}

func (s *DeviceService) publish(ctx context.Context, topic events.Topic, eventType, deviceID string, data interface{}) {
	publishEvent(ctx, s.events, s.logger, s.now, topic, eventType, deviceID, data)
}

// publishEvent is shared by the services. Publishing is best effort.
func publishEvent(ctx context.Context, p events.Publisher, logger *zap.Logger, now func() time.Time,
	topic events.Topic, eventType, deviceID string, data interface{}) {
	e, err := events.NewEvent(eventType, deviceID, data, now().UTC())
	if err != nil {
		logger.Error("Failed to encode event", util.String("type", eventType), util.ErrorField(err))
		return
	}
	if err := p.Publish(ctx, topic, e); err != nil {
		logger.Warn("Failed to publish event",
			util.String("type", eventType), util.DeviceID(deviceID), util.ErrorField(err))
	}
}

func validateRegisterRequest(req *RegisterDeviceRequest) error {
	if req == nil {
		return errors.New("request body is required")
	}
	if len(req.IMEI) != 15 {
		return errors.New("IMEI must be 15 digits")
	}
	for _, c := range req.IMEI {
		if c < '0' || c > '9' {
			return errors.New("IMEI must contain only digits")
		}
	}
	if strings.TrimSpace(req.Model) == "" {
		return errors.New("model is required")
	}
	if strings.TrimSpace(req.PublicKey) == "" {
		return errors.New("public key is required")
	}
	return nil
}

// decodePublicKey keeps PEM as sent and turns base64 DER into DER, then
// checks that the result is a usable RSA key.
func decodePublicKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	raw := []byte(s)
	if !strings.HasPrefix(s, "-----BEGIN") {
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, errors.New("public key must be PEM or base64 DER")
		}
		raw = der
	}
	if _, err := encryption.ParseDevicePublicKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}
