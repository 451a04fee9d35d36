package localstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opInsert            = "localstore.insert"
	opUpdate            = "localstore.update"
	opDelete            = "localstore.delete"
	opFindByID          = "localstore.find_by_id"
	opFindAll           = "localstore.find_all"
	opAssignCanonicalID = "localstore.assign_canonical_id"
	opTransaction       = "localstore.transaction"
	fieldLocalID        = "local_id"
	queryLocalID        = fieldLocalID + " = ?"
	orderCreatedAsc     = "created_at_ms ASC, local_id ASC"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrCanonicalIDImmutable indicates an attempt to reassign an already assigned canonical ID.
	ErrCanonicalIDImmutable = errors.New("localstore: canonical id is immutable")
	noOpLogger              = zap.NewNop()
)

// Records is the record-level contract shared by the store and its transactions.
type Records interface {
	Insert(ctx context.Context, record *clip.Record) error
	Update(ctx context.Context, record *clip.Record) error
	Delete(ctx context.Context, localID string) error
	FindByID(ctx context.Context, localID string) (clip.Record, error)
	FindByContentHash(ctx context.Context, hash string) ([]clip.Record, error)
	FindAll(ctx context.Context, filter Filter) ([]clip.Record, error)
}

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the single serialized write point for local records.
// Every write, and every transaction, holds the store mutex.
type Store struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStore constructs a Store over an already migrated database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, clip.NewServiceError("localstore.new", "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Insert validates and persists a new record.
func (s *Store) Insert(ctx context.Context, record *clip.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessor(ctx).Insert(ctx, record)
}

// Update overwrites every column of an existing record. The canonical ID may only
// transition from empty to assigned.
func (s *Store) Update(ctx context.Context, record *clip.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessor(ctx).Update(ctx, record)
}

// Delete physically removes a record.
func (s *Store) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessor(ctx).Delete(ctx, localID)
}

// FindByID loads a record by its local identifier.
func (s *Store) FindByID(ctx context.Context, localID string) (clip.Record, error) {
	return s.accessor(ctx).FindByID(ctx, localID)
}

// FindByContentHash returns every record, tombstones included, with the fingerprint.
func (s *Store) FindByContentHash(ctx context.Context, hash string) ([]clip.Record, error) {
	return s.accessor(ctx).FindByContentHash(ctx, hash)
}

// FindAll returns the records matching filter ordered by creation time.
func (s *Store) FindAll(ctx context.Context, filter Filter) ([]clip.Record, error) {
	return s.accessor(ctx).FindAll(ctx, filter)
}

// AssignCanonicalID sets the canonical identity of a provisional record. When the
// record already carries a canonical ID the stored record is returned unchanged.
func (s *Store) AssignCanonicalID(ctx context.Context, localID, canonicalID string, origin clip.DeviceID, class clip.DeviceClass) (clip.Record, error) {
	if _, err := clip.NewCanonicalID(canonicalID); err != nil {
		return clip.Record{}, clip.NewServiceError(opAssignCanonicalID, "invalid_canonical_id", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.db.WithContext(ctx).Model(&clip.Record{}).
		Where(queryLocalID+" AND canonical_id = ''", localID).
		Updates(map[string]interface{}{
			"canonical_id":  canonicalID,
			"origin_device": origin,
			"origin_class":  class,
		})
	if result.Error != nil {
		s.logError(opAssignCanonicalID, "update_failed", result.Error, zap.String(fieldLocalID, localID))
		return clip.Record{}, clip.NewServiceError(opAssignCanonicalID, "update_failed", result.Error)
	}
	return s.accessor(ctx).FindByID(ctx, localID)
}

// Transaction runs fn against a transactional view of the store. All mutations
// made through the view commit together or not at all.
func (s *Store) Transaction(ctx context.Context, fn func(Records) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&accessor{db: tx, logger: s.logger})
	})
	if err != nil {
		s.logError(opTransaction, "rolled_back", err)
		return err
	}
	return nil
}

// Blobs exposes the key/value blob store sharing this database.
func (s *Store) Blobs() *BlobStore {
	return &BlobStore{db: s.db, logger: s.logger}
}

func (s *Store) accessor(ctx context.Context) *accessor {
	return &accessor{db: s.db.WithContext(ctx), logger: s.logger}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logError(s.logger, operation, reason, err, fields...)
}

type accessor struct {
	db     *gorm.DB
	logger *zap.Logger
}

func (a *accessor) Insert(ctx context.Context, record *clip.Record) error {
	if record == nil {
		return clip.NewServiceError(opInsert, "missing_record", clip.ErrInvalidRecord)
	}
	if err := record.Validate(); err != nil {
		return clip.NewServiceError(opInsert, "invalid_record", err)
	}
	if record.SyncState == "" {
		record.SyncState = clip.SyncStateLocal
	}
	if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
		logError(a.logger, opInsert, "create_failed", err, zap.String(fieldLocalID, record.LocalID))
		return clip.NewServiceError(opInsert, "create_failed", err)
	}
	return nil
}

func (a *accessor) Update(ctx context.Context, record *clip.Record) error {
	if record == nil {
		return clip.NewServiceError(opUpdate, "missing_record", clip.ErrInvalidRecord)
	}
	if err := record.Validate(); err != nil {
		return clip.NewServiceError(opUpdate, "invalid_record", err)
	}

	result := a.db.WithContext(ctx).Model(&clip.Record{}).
		Where(queryLocalID+" AND (canonical_id = '' OR canonical_id = ?)", record.LocalID, record.CanonicalID).
		Select("*").
		Updates(record)
	if result.Error != nil {
		logError(a.logger, opUpdate, "update_failed", result.Error, zap.String(fieldLocalID, record.LocalID))
		return clip.NewServiceError(opUpdate, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	if _, err := a.FindByID(ctx, record.LocalID); err != nil {
		return err
	}
	return clip.NewServiceError(opUpdate, "canonical_id_changed",
		fmt.Errorf("%w: %s", ErrCanonicalIDImmutable, record.LocalID))
}

func (a *accessor) Delete(ctx context.Context, localID string) error {
	if err := a.db.WithContext(ctx).Where(queryLocalID, localID).Delete(&clip.Record{}).Error; err != nil {
		logError(a.logger, opDelete, "delete_failed", err, zap.String(fieldLocalID, localID))
		return clip.NewServiceError(opDelete, "delete_failed", err)
	}
	return nil
}

func (a *accessor) FindByID(ctx context.Context, localID string) (clip.Record, error) {
	var record clip.Record
	err := a.db.WithContext(ctx).Where(queryLocalID, localID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return clip.Record{}, clip.NewServiceError(opFindByID, "not_found",
			fmt.Errorf("%w: %s", clip.ErrRecordNotFound, localID))
	}
	if err != nil {
		logError(a.logger, opFindByID, "query_failed", err, zap.String(fieldLocalID, localID))
		return clip.Record{}, clip.NewServiceError(opFindByID, "query_failed", err)
	}
	return record, nil
}

func (a *accessor) FindByContentHash(ctx context.Context, hash string) ([]clip.Record, error) {
	return a.FindAll(ctx, WithContentHash(hash))
}

func (a *accessor) FindAll(ctx context.Context, filter Filter) ([]clip.Record, error) {
	if filter == nil {
		filter = All()
	}
	var records []clip.Record
	if err := a.db.WithContext(ctx).
		Scopes(filter).
		Order(orderCreatedAsc).
		Find(&records).Error; err != nil {
		logError(a.logger, opFindAll, "query_failed", err)
		return nil, clip.NewServiceError(opFindAll, "query_failed", err)
	}
	return records, nil
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("localstore error", attrs...)
}
