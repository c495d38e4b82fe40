package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/search"
	"device-trust-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Score thresholds shared by the threat engine and the token service.
const (
	TransactionScoreThreshold = 60
	RecoveryScoreThreshold    = 60
	HealthyScoreThreshold     = 90
	LowScoreThreshold         = 50
	consecutiveLowScoreWindow = 3
	bulkResolveConcurrency    = 8
)

// Deductions applied per failed signal.
const (
	rootDeduction       = 30
	bootloaderDeduction = 25
	systemDeduction     = 20
	appDeduction        = 15
	teeDeduction        = 10
)

// ComputeSecurityScore scores the five integrity signals and tags each
// failure with its threat type.
func ComputeSecurityScore(sig models.Signals) (int, []models.ThreatType) {
	score := models.MaxSecurityScore
	var detected []models.ThreatType

	if sig.RootDetected {
		score -= rootDeduction
		detected = append(detected, models.ThreatRootDetection)
	}
	if !sig.BootloaderLocked {
		score -= bootloaderDeduction
		detected = append(detected, models.ThreatBootloaderUnlock)
	}
	if !sig.SystemIntegrity {
		score -= systemDeduction
		detected = append(detected, models.ThreatSystemTamper)
	}
	if !sig.AppIntegrity {
		score -= appDeduction
		detected = append(detected, models.ThreatAppTamper)
	}
	if !sig.TeeIntact {
		score -= teeDeduction
		detected = append(detected, models.ThreatTeeCompromise)
	}
	if score < models.MinSecurityScore {
		score = models.MinSecurityScore
	}
	return score, detected
}

// ResolveAction is the single policy table mapping a score and threat type
// to severity and response.
func ResolveAction(score int, t models.ThreatType) (models.Severity, models.Action, error) {
	if score < models.MinSecurityScore || score > models.MaxSecurityScore {
		return "", "", fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}

	switch t {
	case models.ThreatTeeCompromise, models.ThreatConsecutiveLowScores:
		return models.SeverityCritical, models.ActionRevoke, nil
	case models.ThreatRootDetection:
		if score >= 60 {
			return models.SeverityHigh, models.ActionSuspend, nil
		}
	}

	switch {
	case score < 40:
		return models.SeverityCritical, models.ActionRevoke, nil
	case score < 60:
		return models.SeverityHigh, models.ActionSuspend, nil
	case score < 90:
		return models.SeverityMedium, models.ActionMonitor, nil
	default:
		return models.SeverityLow, models.ActionNone, nil
	}
}

// RecommendedAction is the operator-facing text for a score band.
func RecommendedAction(score int) string {
	switch {
	case score < 0 || score > 100:
		return "Score out of range"
	case score < 40:
		return "Device revoked; re-approval required"
	case score < 60:
		return "Device suspended; investigate security issues"
	case score < 90:
		return "Monitor device security status"
	default:
		return "Device security status good"
	}
}

var actionRank = map[models.Action]int{
	models.ActionNone:    0,
	models.ActionMonitor: 1,
	models.ActionSuspend: 2,
	models.ActionRevoke:  3,
}

func strongerAction(a, b models.Action) models.Action {
	if actionRank[b] > actionRank[a] {
		return b
	}
	return a
}

// severityFloor is the minimum response for a severity a device reports.
func severityFloor(sev models.Severity) models.Action {
	switch sev {
	case models.SeverityCritical, models.SeverityHigh:
		return models.ActionSuspend
	case models.SeverityMedium:
		return models.ActionMonitor
	}
	return models.ActionNone
}

func describeThreat(t models.ThreatType, score int) string {
	var what string
	switch t {
	case models.ThreatRootDetection:
		what = "Root access detected"
	case models.ThreatBootloaderUnlock:
		what = "Bootloader unlocked"
	case models.ThreatSystemTamper:
		what = "System integrity check failed"
	case models.ThreatAppTamper:
		what = "Application integrity check failed"
	case models.ThreatTeeCompromise:
		what = "Trusted execution environment compromised"
	case models.ThreatLowSecurityScore:
		what = "Security score degraded"
	case models.ThreatConsecutiveLowScores:
		what = "Three consecutive health checks below 50"
	default:
		what = "Threat reported"
	}
	return fmt.Sprintf("%s (security score %d)", what, score)
}

// ThreatService detects, persists and responds to threats.
type ThreatService struct {
	devices      *DeviceService
	threats      repository.ThreatRepository
	healthChecks repository.HealthCheckRepository
	searcher     search.ThreatSearcher
	recorder     *audit.Recorder
	events       events.Publisher
	logger       *zap.Logger
	now          func() time.Time
}

type ReportThreatRequest struct {
	DeviceID    string `json:"device_id"`
	ThreatType  string `json:"threat_type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type BulkResolveResult struct {
	Resolved int               `json:"resolved"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func NewThreatService(
	devices *DeviceService,
	threats repository.ThreatRepository,
	healthChecks repository.HealthCheckRepository,
	searcher search.ThreatSearcher,
	recorder *audit.Recorder,
	publisher events.Publisher,
	logger *zap.Logger,
) *ThreatService {
	return &ThreatService{
		devices:      devices,
		threats:      threats,
		healthChecks: healthChecks,
		searcher:     searcher,
		recorder:     recorder,
		events:       publisher,
		logger:       logger,
		now:          time.Now,
	}
}

// HandleHealthCheckThreats persists one event per threat type and applies
// its response. A score below the healthy band with nothing detected still
// yields a LowSecurityScore event.
func (s *ThreatService) HandleHealthCheckThreats(ctx context.Context, deviceID string, score int, detected []models.ThreatType) ([]*models.ThreatEvent, error) {
	if score < models.MinSecurityScore || score > models.MaxSecurityScore {
		return nil, fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	types := detected
	if len(types) == 0 && score < HealthyScoreThreshold {
		types = []models.ThreatType{models.ThreatLowSecurityScore}
	}

	created := make([]*models.ThreatEvent, 0, len(types))
	for _, t := range types {
		severity, action, err := ResolveAction(score, t)
		if err != nil {
			return created, err
		}
		threat := models.NewThreatEvent(deviceID, t, severity, describeThreat(t, score), s.now().UTC())
		if err := s.threats.Create(ctx, threat); err != nil {
			return created, fmt.Errorf("failed to persist threat: %w", err)
		}
		created = append(created, threat)
		s.publish(ctx, events.ThreatDetected, deviceID, threat)

		s.logger.Warn("Threat detected",
			util.DeviceID(deviceID),
			util.String("threat_type", string(t)),
			util.String("severity", string(severity)),
			util.String("action", string(action)),
			util.Int("security_score", score),
		)
		if err := s.executeAction(ctx, threat, action); err != nil {
			return created, err
		}
	}
	return created, nil
}

// executeAction drives the device toward the action's target status. A
// device already there, or one that can no longer move there, is left alone.
func (s *ThreatService) executeAction(ctx context.Context, threat *models.ThreatEvent, action models.Action) error {
	target, drives := action.TargetStatus()
	if !drives {
		if action == models.ActionMonitor {
			s.recorder.Success(ctx, models.OpThreatDetected, ActorSystem, threat.DeviceID,
				fmt.Sprintf("%s: %s", threat.ThreatType, threat.Description))
			s.logger.Info("Device under monitoring",
				util.DeviceID(threat.DeviceID), util.String("threat_id", threat.ID))
			return nil
		}
		s.logger.Debug("No action required for threat",
			util.DeviceID(threat.DeviceID), util.String("threat_id", threat.ID))
		return nil
	}

	op := models.OpDeviceSuspendByThreat
	if action == models.ActionRevoke {
		op = models.OpDeviceRevokedByThreat
	}

	// One retry covers a status that moved between read and CAS.
	for attempt := 0; attempt < 2; attempt++ {
		device, err := s.devices.Get(ctx, threat.DeviceID)
		if err != nil {
			return err
		}
		if device.Status == target {
			return nil
		}
		if !device.Status.CanTransitionTo(target) {
			s.logger.Warn("Threat action not applicable to device status",
				util.DeviceID(device.ID),
				util.String("status", string(device.Status)),
				util.String("action", string(action)))
			return nil
		}
		_, err = s.devices.TransitionWithAudit(ctx, device.ID, target, ActorSystem, op,
			fmt.Sprintf("%s (%s): %s", threat.ThreatType, threat.Severity, threat.Description))
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		return err
	}
	return ErrStatusConflict
}

// CheckConsecutiveLowScores reports whether the three most recent health
// checks all scored below LowScoreThreshold.
func (s *ThreatService) CheckConsecutiveLowScores(ctx context.Context, deviceID string) (bool, error) {
	recent, err := s.healthChecks.ListRecent(ctx, deviceID, consecutiveLowScoreWindow)
	if err != nil {
		return false, fmt.Errorf("failed to load health checks: %w", err)
	}
	if len(recent) < consecutiveLowScoreWindow {
		return false, nil
	}
	for _, hc := range recent {
		if hc.SecurityScore >= LowScoreThreshold {
			return false, nil
		}
	}
	return true, nil
}

// CheckAutoRecovery reactivates a suspended device that has no unresolved
// threats and a recovered score. It reports whether the device moved.
func (s *ThreatService) CheckAutoRecovery(ctx context.Context, deviceID string, newScore int) (bool, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if device.Status != models.DeviceStatusSuspended || newScore < RecoveryScoreThreshold {
		return false, nil
	}
	active, err := s.threats.CountActiveByDevice(ctx, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to count active threats: %w", err)
	}
	if active > 0 {
		s.logger.Debug("Auto-recovery blocked by unresolved threats",
			util.DeviceID(deviceID), util.Int64("active_threats", active))
		return false, nil
	}

	if _, err := s.devices.TransitionWithAudit(ctx, deviceID, models.DeviceStatusActive, ActorSystem,
		models.OpDeviceAutoRecovered, fmt.Sprintf("Device auto-recovered with security score %d", newScore)); err != nil {
		return false, err
	}
	s.logger.Info("Device auto-recovered", util.DeviceID(deviceID), util.Int("security_score", newScore))
	return true, nil
}

func (s *ThreatService) ResolveThreat(ctx context.Context, threatID, operator, notes string) (*models.ThreatEvent, error) {
	if strings.TrimSpace(operator) == "" {
		return nil, fmt.Errorf("%w: operator is required", ErrInvalidInput)
	}
	threat, err := s.threats.FindByID(ctx, threatID)
	if err != nil {
		return nil, notFound(err, ErrThreatNotFound, "threat")
	}
	if err := threat.Resolve(operator, util.SanitizeText(notes, 1024), s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.threats.Resolve(ctx, threat); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, models.ErrThreatAlreadyResolved
		}
		return nil, fmt.Errorf("failed to resolve threat: %w", err)
	}

	s.recorder.Success(ctx, models.OpThreatResolved, operator, threat.DeviceID,
		fmt.Sprintf("Threat %s (%s) resolved", threat.ID, threat.ThreatType))
	s.publish(ctx, events.ThreatResolved, threat.DeviceID, threat)
	s.logger.Info("Threat resolved",
		util.String("threat_id", threat.ID), util.DeviceID(threat.DeviceID), util.String("operator", operator))
	return threat, nil
}

// ReportThreat records a threat the device observed itself. The stored
// severity is the caller's; the response is the stronger of the policy
// table and the severity's floor.
func (s *ThreatService) ReportThreat(ctx context.Context, req *ReportThreatRequest) (*models.ThreatEvent, models.Action, error) {
	if req == nil || strings.TrimSpace(req.DeviceID) == "" {
		return nil, "", fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	threatType, err := models.ParseThreatType(req.ThreatType)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	severity, err := models.ParseSeverity(req.Severity)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	device, err := s.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, "", err
	}
	_, policy, err := ResolveAction(device.SecurityScore, threatType)
	if err != nil {
		return nil, "", err
	}
	action := strongerAction(policy, severityFloor(severity))

	description := util.SanitizeText(req.Description, 1024)
	if description == "" {
		description = describeThreat(threatType, device.SecurityScore)
	}
	threat := models.NewThreatEvent(device.ID, threatType, severity, description, s.now().UTC())
	if err := s.threats.Create(ctx, threat); err != nil {
		return nil, "", fmt.Errorf("failed to persist threat: %w", err)
	}
	s.recorder.Success(ctx, models.OpThreatReported, device.ID, device.ID,
		fmt.Sprintf("%s (%s) reported, action %s", threatType, severity, action))
	s.publish(ctx, events.ThreatDetected, device.ID, threat)

	if err := s.executeAction(ctx, threat, action); err != nil {
		return threat, action, err
	}
	return threat, action, nil
}

// BulkResolve resolves each id independently; one failure does not stop
// the rest.
func (s *ThreatService) BulkResolve(ctx context.Context, threatIDs []string, operator, notes string) (*BulkResolveResult, error) {
	if len(threatIDs) == 0 {
		return nil, fmt.Errorf("%w: no threat ids", ErrInvalidInput)
	}
	result := &BulkResolveResult{Failed: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkResolveConcurrency)
	for _, id := range threatIDs {
		g.Go(func() error {
			_, err := s.ResolveThreat(gctx, id, operator, notes)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err.Error()
				return nil
			}
			result.Resolved++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result, nil
}

func (s *ThreatService) Get(ctx context.Context, threatID string) (*models.ThreatEvent, error) {
	threat, err := s.threats.FindByID(ctx, threatID)
	if err != nil {
		return nil, notFound(err, ErrThreatNotFound, "threat")
	}
	return threat, nil
}

func (s *ThreatService) ListThreats(ctx context.Context, filter models.ThreatFilter) ([]*models.ThreatEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	threats, err := s.threats.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	return threats, nil
}

func (s *ThreatService) ActiveThreats(ctx context.Context, deviceID string) ([]*models.ThreatEvent, error) {
	threats, err := s.threats.ListActiveByDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active threats: %w", err)
	}
	return threats, nil
}

func (s *ThreatService) Statistics(ctx context.Context) (*models.ThreatStatistics, error) {
	stats, err := s.threats.Statistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute threat statistics: %w", err)
	}
	return stats, nil
}

func (s *ThreatService) SearchThreats(ctx context.Context, q search.ThreatQuery) (*search.ThreatResult, error) {
	return s.searcher.Search(ctx, q)
}

func (s *ThreatService) publish(ctx context.Context, eventType, deviceID string, threat *models.ThreatEvent) {
	publishEvent(ctx, s.events, s.logger, s.now, events.TopicThreat, eventType, deviceID, threat)
}
