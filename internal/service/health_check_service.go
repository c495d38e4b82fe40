package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/encryption"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const overviewWindow = 100

// HealthCheckRequest carries the raw detector flags a terminal reports.
// Signature, when present, is base64 RSA PKCS#1 v1.5 over SignedPayload().
type HealthCheckRequest struct {
	DeviceID           string `json:"device_id"`
	RootDetection      bool   `json:"root_detection"`
	EmulatorDetection  bool   `json:"emulator_detection"`
	DebuggerDetection  bool   `json:"debugger_detection"`
	HookDetection      bool   `json:"hook_detection"`
	TamperingDetection bool   `json:"tampering_detection"`
	Signature          string `json:"signature,omitempty"`
	RequestToken       bool   `json:"request_token,omitempty"`
}

// SignedPayload is device_id:root:emulator:debugger:hook:tampering.
func (r *HealthCheckRequest) SignedPayload() []byte {
	return []byte(strings.Join([]string{
		r.DeviceID,
		strconv.FormatBool(r.RootDetection),
		strconv.FormatBool(r.EmulatorDetection),
		strconv.FormatBool(r.DebuggerDetection),
		strconv.FormatBool(r.HookDetection),
		strconv.FormatBool(r.TamperingDetection),
	}, ":"))
}

// Signals maps detector flags onto the scored integrity signals. The
// request carries no bootloader flag, so the bootloader counts as locked.
func (r *HealthCheckRequest) Signals() models.Signals {
	return models.Signals{
		RootDetected:     r.RootDetection,
		BootloaderLocked: true,
		SystemIntegrity:  !r.TamperingDetection,
		AppIntegrity:     !r.HookDetection && !r.DebuggerDetection,
		TeeIntact:        !r.EmulatorDetection,
	}
}

type HealthCheckResult struct {
	Check         *models.HealthCheck      `json:"check"`
	Threats       []*models.ThreatEvent    `json:"threats_detected"`
	DeviceStatus  models.DeviceStatus      `json:"device_status"`
	AutoRecovered bool                     `json:"auto_recovered"`
	Token         *models.TransactionToken `json:"transaction_token,omitempty"`
}

type HealthOverview struct {
	DeviceID      string     `json:"device_id"`
	LatestScore   int        `json:"latest_score"`
	AverageScore  float64    `json:"average_score"`
	TotalChecks   int64      `json:"total_checks"`
	ActiveThreats int64      `json:"active_threats"`
	LastCheckAt   *time.Time `json:"last_check_at,omitempty"`
}

// HealthCheckService is the intake for device integrity reports. It scores
// them, records them and hands them to the threat engine, one submission per
// device at a time.
type HealthCheckService struct {
	devices      *DeviceService
	threats      *ThreatService
	tokens       *TokenService
	healthChecks repository.HealthCheckRepository
	threatRepo   repository.ThreatRepository
	locker       repository.DeviceLocker
	recorder     *audit.Recorder
	logger       *zap.Logger
	now          func() time.Time
}

func NewHealthCheckService(
	devices *DeviceService,
	threats *ThreatService,
	tokens *TokenService,
	healthChecks repository.HealthCheckRepository,
	threatRepo repository.ThreatRepository,
	locker repository.DeviceLocker,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *HealthCheckService {
	return &HealthCheckService{
		devices:      devices,
		threats:      threats,
		tokens:       tokens,
		healthChecks: healthChecks,
		threatRepo:   threatRepo,
		locker:       locker,
		recorder:     recorder,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *HealthCheckService) Submit(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResult, error) {
	startTime := time.Now()

	if req == nil || strings.TrimSpace(req.DeviceID) == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}

	unlock, err := s.locker.Lock(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock device: %w", err)
	}
	defer unlock()

	device, err := s.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceStatusActive && device.Status != models.DeviceStatusSuspended {
		return nil, fmt.Errorf("%w: health checks are not accepted from %s devices", ErrDeviceNotEligible, device.Status)
	}
	if req.Signature != "" {
		if err := encryption.VerifyDeviceSignature(device.PublicKey, req.SignedPayload(), req.Signature); err != nil {
			s.recorder.Failure(ctx, models.OpHealthCheckSubmitted, device.ID, device.ID, "signature verification failed")
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}

	score, detected := ComputeSecurityScore(req.Signals())
	hc := models.NewHealthCheck(device.ID, req.Signals(), score, RecommendedAction(score), s.now().UTC())
	if len(detected) > 0 {
		names := make([]string, len(detected))
		for i, t := range detected {
			names[i] = string(t)
		}
		hc.Details = strings.Join(names, ",")
	}
	if err := s.healthChecks.Create(ctx, hc); err != nil {
		return nil, fmt.Errorf("failed to persist health check: %w", err)
	}
	if err := s.devices.UpdateSecurityScore(ctx, device.ID, score); err != nil {
		return nil, err
	}

	consecutive, err := s.threats.CheckConsecutiveLowScores(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if consecutive {
		detected = append(detected, models.ThreatConsecutiveLowScores)
	}

	threats, err := s.threats.HandleHealthCheckThreats(ctx, device.ID, score, detected)
	if err != nil {
		return nil, err
	}

	recovered, err := s.threats.CheckAutoRecovery(ctx, device.ID, score)
	if err != nil {
		s.logger.Error("Auto-recovery check failed", util.DeviceID(device.ID), util.ErrorField(err))
		recovered = false
	}

	s.recorder.Success(ctx, models.OpHealthCheckSubmitted, device.ID, device.ID,
		fmt.Sprintf("Health check %s scored %d with %d threats", hc.ID, score, len(threats)))

	current, err := s.devices.Get(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	result := &HealthCheckResult{
		Check:         hc,
		Threats:       threats,
		DeviceStatus:  current.Status,
		AutoRecovered: recovered,
	}

	if req.RequestToken && s.tokens != nil && current.Status == models.DeviceStatusActive && score >= TransactionScoreThreshold {
		token, err := s.tokens.GenerateToken(ctx, device.ID, hc)
		if err != nil {
			s.logger.Warn("Failed to issue transaction token", util.DeviceID(device.ID), util.ErrorField(err))
		} else {
			result.Token = token
		}
	}

	s.logger.Info("Health check processed",
		util.DeviceID(device.ID),
		util.Int("security_score", score),
		util.Int("threats", len(threats)),
		util.String("device_status", string(current.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
	return result, nil
}

// InitialCheck submits an all-clear report on the device's behalf.
func (s *HealthCheckService) InitialCheck(ctx context.Context, deviceID string) (*HealthCheckResult, error) {
	return s.Submit(ctx, &HealthCheckRequest{DeviceID: deviceID})
}

func (s *HealthCheckService) List(ctx context.Context, deviceID string, limit int) ([]*models.HealthCheck, int64, error) {
	if _, err := s.devices.Get(ctx, deviceID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	checks, err := s.healthChecks.ListRecent(ctx, deviceID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list health checks: %w", err)
	}
	total, err := s.healthChecks.CountByDevice(ctx, deviceID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count health checks: %w", err)
	}
	return checks, total, nil
}

// Overview summarizes the device's recent health. The average is taken over
// the most recent checks only.
func (s *HealthCheckService) Overview(ctx context.Context, deviceID string) (*HealthOverview, error) {
	if _, err := s.devices.Get(ctx, deviceID); err != nil {
		return nil, err
	}

	overview := &HealthOverview{DeviceID: deviceID}
	var recent []*models.HealthCheck

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, err = s.healthChecks.ListRecent(gctx, deviceID, overviewWindow)
		return err
	})
	g.Go(func() error {
		var err error
		overview.TotalChecks, err = s.healthChecks.CountByDevice(gctx, deviceID)
		return err
	})
	g.Go(func() error {
		var err error
		overview.ActiveThreats, err = s.threatRepo.CountActiveByDevice(gctx, deviceID)
		return err
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return overview, nil
		}
		return nil, fmt.Errorf("failed to build health overview: %w", err)
	}

	if len(recent) > 0 {
		latest := recent[0]
		overview.LatestScore = latest.SecurityScore
		at := latest.CreatedAt
		overview.LastCheckAt = &at
		sum := 0
		for _, hc := range recent {
			sum += hc.SecurityScore
		}
		overview.AverageScore = float64(sum) / float64(len(recent))
	}
	return overview, nil
}
