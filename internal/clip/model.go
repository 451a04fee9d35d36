package clip

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentType enumerates the payload kinds carried by a record.
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeURL   ContentType = "url"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

// SyncState tracks a single record's progress towards the remote store.
type SyncState string

const (
	SyncStateLocal   SyncState = "local"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// SyncStatus is the engine-wide state exposed by the coordinator.
type SyncStatus string

const (
	StatusLocal   SyncStatus = "local"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// OperationKind enumerates queued remote operations.
type OperationKind string

const (
	OperationPush   OperationKind = "push"
	OperationDelete OperationKind = "delete"
)

// DeviceClass ranks devices for the origin-device conflict heuristic.
type DeviceClass string

const (
	DeviceClassRelay DeviceClass = "relay"
	DeviceClassLeaf  DeviceClass = "leaf"
)

// Priority returns the tie-break weight of the class. Unknown classes rank lowest.
func (class DeviceClass) Priority() int {
	switch class {
	case DeviceClassRelay:
		return 2
	case DeviceClassLeaf:
		return 1
	default:
		return 0
	}
}

const maxIdentifierLength = 190

var (
	// ErrInvalidIdentifier indicates that an identifier is empty or exceeds storage bounds.
	ErrInvalidIdentifier = errors.New("clip: invalid identifier")
	// ErrInvalidContentType indicates an unknown content type.
	ErrInvalidContentType = errors.New("clip: invalid content type")
)

// DeviceID is the opaque per-installation identifier of a device.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed, err := validateIdentifier(rawInput)
	if err != nil {
		return "", err
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying identifier.
func (id DeviceID) String() string {
	return string(id)
}

// NewCanonicalID validates a cross-device identifier.
func NewCanonicalID(rawInput string) (string, error) {
	return validateIdentifier(rawInput)
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentifier, maxIdentifierLength)
	}
	return trimmed, nil
}

// ParseContentType validates a content type name.
func ParseContentType(value string) (ContentType, error) {
	switch ContentType(strings.ToLower(strings.TrimSpace(value))) {
	case ContentTypeText:
		return ContentTypeText, nil
	case ContentTypeURL:
		return ContentTypeURL, nil
	case ContentTypeImage:
		return ContentTypeImage, nil
	case ContentTypeFile:
		return ContentTypeFile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidContentType, value)
	}
}

// Record is the unit of sync as held in the local store.
// An empty CanonicalID marks the record as provisional.
type Record struct {
	LocalID            string      `gorm:"column:local_id;primaryKey;size:190;not null"`
	CanonicalID        string      `gorm:"column:canonical_id;size:190;not null;default:'';index:idx_records_canonical"`
	Content            string      `gorm:"column:content;type:text;not null"`
	ContentType        ContentType `gorm:"column:content_type;size:16;not null"`
	ContentHash        string      `gorm:"column:content_hash;size:64;not null;index:idx_records_hash"`
	CreatedAtMillis    int64       `gorm:"column:created_at_ms;not null"`
	LastModifiedMillis int64       `gorm:"column:last_modified_ms;not null;default:0"`
	OriginDevice       DeviceID    `gorm:"column:origin_device;size:190;not null;default:''"`
	OriginClass        DeviceClass `gorm:"column:origin_class;size:16;not null;default:''"`
	Tombstoned         bool        `gorm:"column:tombstoned;not null;default:false"`
	SyncState          SyncState   `gorm:"column:sync_state;size:16;not null;default:'local';index:idx_records_state"`
	// SyncedAtMillis is when the remote store last acknowledged this record.
	SyncedAtMillis     int64       `gorm:"column:synced_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "clipboard_records"
}

// Provisional reports whether the record still awaits canonical ID resolution.
func (record Record) Provisional() bool {
	return record.CanonicalID == ""
}

// Live reports whether the record is not tombstoned.
func (record Record) Live() bool {
	return !record.Tombstoned
}

// CreatedAt returns the creation time, or the zero time when absent.
func (record Record) CreatedAt() time.Time {
	return fromMillis(record.CreatedAtMillis)
}

// LastModified returns the modification time, or the zero time when absent.
func (record Record) LastModified() time.Time {
	return fromMillis(record.LastModifiedMillis)
}

// Validate checks the fields every persisted record must carry.
func (record Record) Validate() error {
	if strings.TrimSpace(record.LocalID) == "" {
		return fmt.Errorf("%w: missing local id", ErrInvalidRecord)
	}
	if record.ContentHash == "" {
		return fmt.Errorf("%w: missing content hash", ErrInvalidRecord)
	}
	if _, err := ParseContentType(string(record.ContentType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !record.Tombstoned && record.Content == "" {
		return fmt.Errorf("%w: missing content", ErrInvalidRecord)
	}
	return nil
}

// Remote converts the record into the representation pushed to the remote store.
func (record Record) Remote() (RemoteRecord, error) {
	if record.Provisional() {
		return RemoteRecord{}, fmt.Errorf("%w: provisional record %s", ErrInvalidRecord, record.LocalID)
	}
	return RemoteRecord{
		CanonicalID:        record.CanonicalID,
		Content:            record.Content,
		ContentType:        record.ContentType,
		ContentHash:        record.ContentHash,
		CreatedAtMillis:    record.CreatedAtMillis,
		LastModifiedMillis: record.LastModifiedMillis,
		OriginDevice:       record.OriginDevice,
		OriginClass:        record.OriginClass,
	}, nil
}

// RemoteRecord is the remote store's view of a record, keyed by canonical ID.
type RemoteRecord struct {
	CanonicalID        string      `json:"canonical_id"`
	Content            string      `json:"content"`
	ContentType        ContentType `json:"content_type"`
	ContentHash        string      `json:"content_hash"`
	CreatedAtMillis    int64       `json:"created_at_ms"`
	LastModifiedMillis int64       `json:"last_modified_ms"`
	OriginDevice       DeviceID    `json:"origin_device"`
	OriginClass        DeviceClass `json:"origin_class"`
}

// Validate checks the identity and content of a remote record.
func (remote RemoteRecord) Validate() error {
	if _, err := NewCanonicalID(remote.CanonicalID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if remote.Content == "" {
		return fmt.Errorf("%w: missing content", ErrInvalidRecord)
	}
	if _, err := ParseContentType(string(remote.ContentType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// LastModified returns the modification time, or the zero time when absent.
func (remote RemoteRecord) LastModified() time.Time {
	return fromMillis(remote.LastModifiedMillis)
}

// CreatedAt returns the creation time, or the zero time when absent.
func (remote RemoteRecord) CreatedAt() time.Time {
	return fromMillis(remote.CreatedAtMillis)
}

// ChangeKind enumerates remote change notifications.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeDelete ChangeKind = "delete"
)

// Change describes one accepted mutation of the remote set.
type Change struct {
	Kind        ChangeKind `json:"kind"`
	CanonicalID string     `json:"canonical_id"`
	Device      DeviceID   `json:"device"`
	AtMillis    int64      `json:"at_ms"`
}

// QueuedOperation is a pending remote operation for one item.
type QueuedOperation struct {
	ItemID      string        `cbor:"item_id"`
	Kind        OperationKind `cbor:"kind"`
	ContentHash string        `cbor:"content_hash"`
	EnqueuedAt  time.Time     `cbor:"enqueued_at"`
}

// Millis converts a time into unix milliseconds; the zero time maps to 0.
func Millis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
