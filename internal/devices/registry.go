package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"gorm.io/gorm"
)

// ErrUnknownDevice indicates that a device has never enrolled.
var ErrUnknownDevice = errors.New("devices: unknown device")

// Device is the remote store's record of an enrolled device.
type Device struct {
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	Name       string    `gorm:"column:device_name;size:190"`
	Class      string    `gorm:"column:device_class;size:16;not null"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing enrolled devices.
func (Device) TableName() string {
	return "registered_devices"
}

// Enrollment is the claim a device presents when asking for a token.
type Enrollment struct {
	DeviceID clip.DeviceID
	Name     string
	Class    clip.DeviceClass
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry tracks the devices that have enrolled with the remote store.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewRegistry constructs the registry over a migrated database.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{db: cfg.Database, now: clock}, nil
}

// Enroll records a device, creating it on first contact and refreshing its
// name, class and last-seen time afterwards.
func (r *Registry) Enroll(ctx context.Context, enrollment Enrollment) (Device, error) {
	deviceID, err := clip.NewDeviceID(enrollment.DeviceID.String())
	if err != nil {
		return Device{}, err
	}
	class, err := ParseClass(string(enrollment.Class))
	if err != nil {
		return Device{}, err
	}
	name := strings.TrimSpace(enrollment.Name)

	var device Device
	err = r.db.WithContext(ctx).Where("device_id = ?", deviceID.String()).First(&device).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		device = Device{
			DeviceID:   deviceID.String(),
			Name:       name,
			Class:      string(class),
			LastSeenAt: r.now().UTC(),
		}
		if err := r.db.WithContext(ctx).Create(&device).Error; err != nil {
			return Device{}, err
		}
	case err != nil:
		return Device{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": r.now().UTC()}
		if name != "" && name != device.Name {
			updates["device_name"] = name
			device.Name = name
		}
		if string(class) != device.Class {
			updates["device_class"] = string(class)
			device.Class = string(class)
		}
		if err := r.db.WithContext(ctx).Model(&Device{}).
			Where("device_id = ?", device.DeviceID).
			Updates(updates).Error; err != nil {
			return Device{}, err
		}
	}

	r.cache.Store(device.DeviceID, clip.DeviceClass(device.Class))
	return device, nil
}

// Class returns the enrolled class of a device.
func (r *Registry) Class(ctx context.Context, deviceID clip.DeviceID) (clip.DeviceClass, error) {
	if cached, ok := r.cache.Load(deviceID.String()); ok {
		if class, ok := cached.(clip.DeviceClass); ok {
			return class, nil
		}
	}
	var device Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID.String()).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return "", err
	}
	class := clip.DeviceClass(device.Class)
	r.cache.Store(device.DeviceID, class)
	return class, nil
}
