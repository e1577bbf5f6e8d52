// Package synlog is the append-only engine.LogSink: every SyncResult is
// written once via zap (matching the teacher's zap.L() logging
// throughout cmd_airtable.go) and, when a database handle is supplied,
// persisted as a row for later auditing/debugging.
package synlog

import (
	"context"
	"encoding/json"

	"github.com/jinzhu/gorm"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
)

// syncLogRow is the gorm model backing one persisted SyncResult.
type syncLogRow struct {
	ID           uint `gorm:"primary_key"`
	SyncConfigID string
	Added        int
	Updated      int
	Deleted      int
	Total        int
	ErrorsJSON   string `gorm:"type:text"`
	WarningsJSON string `gorm:"type:text"`
	StartedAt    int64
	EndedAt      int64
	DurationMS   int64
	Cancelled    bool
}

func (syncLogRow) TableName() string { return "sync_logs" }

// Sink logs every SyncResult to zap and, if db is non-nil, appends a row
// to sync_logs.
type Sink struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ engine.LogSink = (*Sink)(nil)

// New builds a Sink. db may be nil, in which case results are only
// logged, not persisted; otherwise sync_logs is auto-migrated onto it.
func New(logger *zap.Logger, db *gorm.DB) (*Sink, error) {
	if logger == nil {
		logger = zap.L()
	}
	if db != nil {
		if err := db.AutoMigrate(&syncLogRow{}).Error; err != nil {
			return nil, errors.Wrap(err, "automigrate sync_logs")
		}
	}
	return &Sink{logger: logger, db: db}, nil
}

// Write implements engine.LogSink.
func (s *Sink) Write(ctx context.Context, result model.SyncResult) error {
	s.logger.Info("sync run complete",
		zap.String("sync_config_id", result.SyncConfigID),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)),
		zap.Duration("duration", result.Duration),
		zap.Bool("cancelled", result.Cancelled),
	)
	for _, issue := range result.Errors {
		s.logger.Error("sync issue",
			zap.String("sync_config_id", result.SyncConfigID),
			zap.String("kind", string(issue.Kind)),
			zap.String("message", issue.Message),
			zap.String("record_id", issue.RecordID),
			zap.Int("row", issue.RowIndex),
		)
	}

	if s.db == nil {
		return nil
	}

	errorsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return errors.Wrap(err, "encode errors")
	}
	warningsJSON, err := json.Marshal(result.Warnings)
	if err != nil {
		return errors.Wrap(err, "encode warnings")
	}

	row := syncLogRow{
		SyncConfigID: result.SyncConfigID,
		Added:        result.Added,
		Updated:      result.Updated,
		Deleted:      result.Deleted,
		Total:        result.Total,
		ErrorsJSON:   string(errorsJSON),
		WarningsJSON: string(warningsJSON),
		StartedAt:    result.StartedAt.UnixNano(),
		EndedAt:      result.EndedAt.UnixNano(),
		DurationMS:   result.Duration.Milliseconds(),
		Cancelled:    result.Cancelled,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return errors.Wrap(err, "persist sync log")
	}
	return nil
}
