package search

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/util"
)

type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

type threatWriter interface {
	IndexThreat(ctx context.Context, t *models.ThreatEvent) error
}

// Indexer feeds the threat index from the threat event stream.
type Indexer struct {
	source  messageSource
	index   threatWriter
	retries int
	backoff time.Duration
	logger  *zap.Logger
}

func NewIndexer(source messageSource, index threatWriter, logger *zap.Logger) *Indexer {
	return &Indexer{source: source, index: index, retries: 3, backoff: 200 * time.Millisecond, logger: logger}
}

// Run consumes until ctx is cancelled. Undecodable or unindexable messages
// are logged and committed so one bad record cannot stall the stream.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		msg, err := ix.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ix.logger.Warn("Threat indexer fetch failed", util.ErrorField(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(ix.backoff):
			}
			continue
		}

		ix.handle(ctx, msg)

		if err := ix.source.Commit(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			ix.logger.Warn("Threat indexer commit failed", util.ErrorField(err))
		}
	}
}

func (ix *Indexer) handle(ctx context.Context, msg kafka.Message) {
	var e events.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		ix.logger.Warn("Skipping undecodable threat message", zap.Int64("offset", msg.Offset), util.ErrorField(err))
		return
	}
	if e.Type != events.ThreatDetected && e.Type != events.ThreatResolved {
		return
	}

	var threat models.ThreatEvent
	if err := e.Decode(&threat); err != nil {
		ix.logger.Warn("Skipping threat event with bad payload", zap.String("event_id", e.ID), util.ErrorField(err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < ix.retries; attempt++ {
		if lastErr = ix.index.IndexThreat(ctx, &threat); lastErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ix.backoff * time.Duration(attempt+1)):
		}
	}
	ix.logger.Error("Failed to index threat event",
		zap.String("threat_id", threat.ID), util.DeviceID(threat.DeviceID), util.ErrorField(lastErr))
}
