package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxrplabs/bridgebot/internal/domain"
)

// Archiver exports resolved operations to blob storage as JSON Lines, one
// object per operation kind per run. Archival is additive; the database rows
// are left in place.
type Archiver struct {
	bridges     domain.BridgeStore
	redemptions domain.RedemptionStore
	blob        domain.BlobWriter

	interval  time.Duration
	retention time.Duration

	logger *slog.Logger
}

// NewArchiver creates an Archiver. A nil blob writer disables archival.
func NewArchiver(
	bridges domain.BridgeStore,
	redemptions domain.RedemptionStore,
	blob domain.BlobWriter,
	interval, retention time.Duration,
	logger *slog.Logger,
) *Archiver {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Archiver{
		bridges:     bridges,
		redemptions: redemptions,
		blob:        blob,
		interval:    interval,
		retention:   retention,
		logger:      logger.With(slog.String("component", "archiver")),
	}
}

// Run archives on a fixed interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	if a.blob == nil {
		a.logger.Info("blob storage not configured, archival disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Archive(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Archive exports all operations resolved before the retention cutoff.
func (a *Archiver) Archive(ctx context.Context) error {
	if a.blob == nil {
		return nil
	}
	now := time.Now().UTC()
	cutoff := now.Add(-a.retention)

	bridgeOps, err := a.bridges.ListResolvedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: list resolved bridges: %w", err)
	}
	if len(bridgeOps) > 0 {
		records := make([]any, len(bridgeOps))
		for i, op := range bridgeOps {
			records[i] = op
		}
		if err := a.writeLines(ctx, a.key("bridge", now), records); err != nil {
			return err
		}
	}

	redemptionOps, err := a.redemptions.ListResolvedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: list resolved redemptions: %w", err)
	}
	if len(redemptionOps) > 0 {
		records := make([]any, len(redemptionOps))
		for i, op := range redemptionOps {
			records[i] = op
		}
		if err := a.writeLines(ctx, a.key("redemption", now), records); err != nil {
			return err
		}
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int("bridge_operations", len(bridgeOps)),
		slog.Int("redemption_operations", len(redemptionOps)),
	)

	return nil
}

func (a *Archiver) key(kind string, now time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, now.Format("2006-01-02"))
}

func (a *Archiver) writeLines(ctx context.Context, key string, records []any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("archiver: encode record: %w", err)
		}
	}
	if err := a.blob.Write(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return fmt.Errorf("archiver: write %s: %w", key, err)
	}
	return nil
}
