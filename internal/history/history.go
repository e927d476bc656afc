/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package history persists the as-run log: every item that went to
// air (or failed to) and where it sat on the session timeline.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/hayai-broadcast/hayai/internal/models"
)

// Service writes and queries as-run records.
type Service struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func New(db *gorm.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Record appends one as-run row.
func (s *Service) Record(ctx context.Context, rec models.AsRunRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert as-run record: %w", err)
	}
	s.logger.Debug().
		Str("item_id", rec.ItemID).
		Str("outcome", string(rec.Outcome)).
		Msg("as-run record written")
	return nil
}

// ListOptions filter List results.
type ListOptions struct {
	Outcome models.AsRunOutcome // empty matches all
	Since   time.Time
	Limit   int
}

// List returns as-run rows, newest first.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]models.AsRunRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.AsRunRecord{}).Order("started_at DESC")
	if opts.Outcome != "" {
		q = q.Where("outcome = ?", opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q = q.Where("started_at >= ?", opts.Since)
	}
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var recs []models.AsRunRecord
	if err := q.Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query as-run records: %w", err)
	}
	return recs, nil
}
