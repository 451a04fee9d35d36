package localstore

import (
	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"gorm.io/gorm"
)

// Filter narrows a FindAll query. Filters are GORM scopes and compose with Combine.
type Filter func(*gorm.DB) *gorm.DB

// All matches every record, tombstones included.
func All() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db
	}
}

// Live matches records that are not tombstoned.
func Live() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tombstoned = ?", false)
	}
}

// Provisional matches live records still awaiting a canonical ID.
func Provisional() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("canonical_id = '' AND tombstoned = ?", false)
	}
}

// PendingPush matches resolved records whose latest state has not reached the remote store.
// Tombstones are included so their deletion is propagated.
func PendingPush() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("canonical_id <> '' AND sync_state IN ?",
			[]clip.SyncState{clip.SyncStateLocal, clip.SyncStateFailed})
	}
}

// WithContentHash matches records carrying the fingerprint.
func WithContentHash(hash string) Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("content_hash = ?", hash)
	}
}

// WithCanonicalID matches records sharing a canonical ID.
func WithCanonicalID(canonicalID string) Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("canonical_id = ?", canonicalID)
	}
}

// Combine applies every filter in order.
func Combine(filters ...Filter) Filter {
	return func(db *gorm.DB) *gorm.DB {
		for _, filter := range filters {
			if filter != nil {
				db = filter(db)
			}
		}
		return db
	}
}
