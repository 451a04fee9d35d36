package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/fxamacker/cbor/v2"
)

const identityKey = "device_identity"

// ErrInvalidIdentity indicates a persisted identity that cannot be decoded or validated.
var ErrInvalidIdentity = errors.New("devices: invalid identity")

// BlobStore persists opaque values by key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Identity is the stable per-installation identity of this device.
type Identity struct {
	DeviceID  clip.DeviceID    `cbor:"device_id"`
	Name      string           `cbor:"name"`
	Class     clip.DeviceClass `cbor:"class"`
	CreatedAt time.Time        `cbor:"created_at"`
}

// IdentityConfig describes how the local identity is loaded or created.
type IdentityConfig struct {
	Blobs      BlobStore
	IDProvider clip.IDProvider
	Name       string
	Class      clip.DeviceClass
	Clock      func() time.Time
}

// LoadOrCreate returns the persisted identity, minting and storing one on first
// use. The device ID is never reused or changed; name and class follow configuration.
func LoadOrCreate(ctx context.Context, cfg IdentityConfig) (Identity, error) {
	if cfg.Blobs == nil || cfg.IDProvider == nil {
		return Identity{}, fmt.Errorf("devices: blob store and id provider are required")
	}
	class, err := ParseClass(string(cfg.Class))
	if err != nil {
		return Identity{}, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	name := strings.TrimSpace(cfg.Name)

	raw, found, err := cfg.Blobs.Get(ctx, identityKey)
	if err != nil {
		return Identity{}, err
	}
	if found {
		var identity Identity
		if err := cbor.Unmarshal(raw, &identity); err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		if _, err := clip.NewDeviceID(identity.DeviceID.String()); err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		if (name == "" || identity.Name == name) && identity.Class == class {
			return identity, nil
		}
		if name != "" {
			identity.Name = name
		}
		identity.Class = class
		return identity, store(ctx, cfg.Blobs, identity)
	}

	rawID, err := cfg.IDProvider.NewID()
	if err != nil {
		return Identity{}, err
	}
	deviceID, err := clip.NewDeviceID(rawID)
	if err != nil {
		return Identity{}, err
	}
	identity := Identity{
		DeviceID:  deviceID,
		Name:      name,
		Class:     class,
		CreatedAt: clock().UTC(),
	}
	return identity, store(ctx, cfg.Blobs, identity)
}

func store(ctx context.Context, blobs BlobStore, identity Identity) error {
	payload, err := cbor.Marshal(identity)
	if err != nil {
		return err
	}
	return blobs.Put(ctx, identityKey, payload)
}

// ParseClass validates a device class; the empty string selects leaf.
func ParseClass(value string) (clip.DeviceClass, error) {
	switch clip.DeviceClass(strings.ToLower(strings.TrimSpace(value))) {
	case "", clip.DeviceClassLeaf:
		return clip.DeviceClassLeaf, nil
	case clip.DeviceClassRelay:
		return clip.DeviceClassRelay, nil
	default:
		return "", fmt.Errorf("devices: unknown device class %q", value)
	}
}
