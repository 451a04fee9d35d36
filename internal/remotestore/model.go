package remotestore

import (
	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
)

// StoredRecord is the authoritative remote copy of a record, keyed by canonical ID.
type StoredRecord struct {
	CanonicalID        string `gorm:"column:canonical_id;primaryKey;size:190;not null"`
	Content            string `gorm:"column:content;type:text;not null"`
	ContentType        string `gorm:"column:content_type;size:16;not null"`
	ContentHash        string `gorm:"column:content_hash;size:64;not null;index"`
	CreatedAtMillis    int64  `gorm:"column:created_at_ms;not null"`
	LastModifiedMillis int64  `gorm:"column:last_modified_ms;not null"`
	OriginDevice       string `gorm:"column:origin_device;size:190;not null"`
	OriginClass        string `gorm:"column:origin_class;size:16;not null;default:''"`
	WrittenBy          string `gorm:"column:written_by;size:190;not null"`
	WrittenAtMillis    int64  `gorm:"column:written_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "remote_records"
}

// Remote converts the stored row into its wire representation.
func (s StoredRecord) Remote() clip.RemoteRecord {
	return clip.RemoteRecord{
		CanonicalID:        s.CanonicalID,
		Content:            s.Content,
		ContentType:        clip.ContentType(s.ContentType),
		ContentHash:        s.ContentHash,
		CreatedAtMillis:    s.CreatedAtMillis,
		LastModifiedMillis: s.LastModifiedMillis,
		OriginDevice:       clip.DeviceID(s.OriginDevice),
		OriginClass:        clip.DeviceClass(s.OriginClass),
	}
}
