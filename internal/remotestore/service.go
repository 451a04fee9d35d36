package remotestore

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew = "remotestore.service.new"
	opPut        = "remotestore.put"
	opList       = "remotestore.list"
	opDelete     = "remotestore.delete"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingDevice   = errors.New("writing device is required")
	noOpLogger         = zap.NewNop()
)

// Notifier receives every accepted change.
type Notifier interface {
	Publish(change clip.Change)
}

// ServiceConfig describes the dependencies of the remote record service.
type ServiceConfig struct {
	Database *gorm.DB
	Notifier Notifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the remote record set. It stores what devices push and returns
// the complete set on every list; merging is the devices' concern.
type Service struct {
	db       *gorm.DB
	notifier Notifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewService constructs the remote record service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, clip.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Put creates or replaces the record stored under its canonical ID.
func (s *Service) Put(ctx context.Context, device clip.DeviceID, record clip.RemoteRecord) (clip.RemoteRecord, error) {
	if device == "" {
		return clip.RemoteRecord{}, clip.NewServiceError(opPut, "missing_device", errMissingDevice)
	}
	if err := record.Validate(); err != nil {
		return clip.RemoteRecord{}, clip.NewServiceError(opPut, "invalid_record", err)
	}
	hash := clip.HashString(record.Content)
	if record.ContentHash != "" && record.ContentHash != hash {
		return clip.RemoteRecord{}, clip.NewServiceError(opPut, "hash_mismatch", clip.ErrInvalidRecord)
	}

	now := s.clock().UTC()
	origin := record.OriginDevice
	if origin == "" {
		origin = device
	}
	stored := StoredRecord{
		CanonicalID:        record.CanonicalID,
		Content:            record.Content,
		ContentType:        string(record.ContentType),
		ContentHash:        hash,
		CreatedAtMillis:    record.CreatedAtMillis,
		LastModifiedMillis: record.LastModifiedMillis,
		OriginDevice:       origin.String(),
		OriginClass:        string(record.OriginClass),
		WrittenBy:          device.String(),
		WrittenAtMillis:    clip.Millis(now),
	}
	if stored.CreatedAtMillis <= 0 {
		stored.CreatedAtMillis = stored.WrittenAtMillis
	}
	if stored.LastModifiedMillis <= 0 {
		stored.LastModifiedMillis = stored.CreatedAtMillis
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canonical_id"}},
		UpdateAll: true,
	}).Create(&stored).Error
	if err != nil {
		s.logError(opPut, "upsert_failed", err, zap.String("canonical_id", record.CanonicalID))
		return clip.RemoteRecord{}, clip.NewServiceError(opPut, "upsert_failed", err)
	}

	s.publish(clip.Change{Kind: clip.ChangePut, CanonicalID: stored.CanonicalID, Device: device, AtMillis: stored.WrittenAtMillis})
	return stored.Remote(), nil
}

// List returns the complete remote set ordered by creation time.
func (s *Service) List(ctx context.Context) ([]clip.RemoteRecord, error) {
	var rows []StoredRecord
	if err := s.db.WithContext(ctx).
		Order("created_at_ms ASC, canonical_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, clip.NewServiceError(opList, "query_failed", err)
	}
	records := make([]clip.RemoteRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.Remote())
	}
	return records, nil
}

// Delete removes a record. Deleting an absent record succeeds and reports false.
func (s *Service) Delete(ctx context.Context, device clip.DeviceID, canonicalID string) (bool, error) {
	if _, err := clip.NewCanonicalID(canonicalID); err != nil {
		return false, clip.NewServiceError(opDelete, "invalid_canonical_id", err)
	}
	result := s.db.WithContext(ctx).Where("canonical_id = ?", canonicalID).Delete(&StoredRecord{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("canonical_id", canonicalID))
		return false, clip.NewServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.publish(clip.Change{Kind: clip.ChangeDelete, CanonicalID: canonicalID, Device: device, AtMillis: clip.Millis(s.clock())})
	return true, nil
}

func (s *Service) publish(change clip.Change) {
	if s.notifier != nil {
		s.notifier.Publish(change)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	if len(fields) > 0 {
		attrs = append(attrs, fields...)
	}
	s.logger.Error("remotestore error", attrs...)
}
