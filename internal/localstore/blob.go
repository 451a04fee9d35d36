package localstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opBlobGet = "localstore.blob_get"
	opBlobPut = "localstore.blob_put"
)

// Blob is a small keyed value persisted next to the records, such as the
// offline queue snapshot or the device identity.
type Blob struct {
	Key             string `gorm:"column:blob_key;primaryKey;size:190;not null"`
	Value           []byte `gorm:"column:blob_value;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "kv_blobs"
}

// BlobStore reads and writes Blob rows.
type BlobStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Get returns the stored value and whether it exists.
func (b *BlobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var blob Blob
	err := b.db.WithContext(ctx).Where("blob_key = ?", key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		logError(b.logger, opBlobGet, "query_failed", err, zap.String("key", key))
		return nil, false, err
	}
	return blob.Value, true, nil
}

// Put inserts or replaces the value stored under key.
func (b *BlobStore) Put(ctx context.Context, key string, value []byte) error {
	blob := Blob{
		Key:             key,
		Value:           append([]byte{}, value...),
		UpdatedAtMillis: time.Now().UTC().UnixMilli(),
	}
	err := b.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "blob_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob_value", "updated_at_ms"}),
		}).
		Create(&blob).Error
	if err != nil {
		logError(b.logger, opBlobPut, "upsert_failed", err, zap.String("key", key))
		return err
	}
	return nil
}
