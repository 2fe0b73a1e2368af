package trust

import (
	"bytes"
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore/pool"
)

// TrustPin is the persisted form of a TOFU pin.
type TrustPin struct {
	data.BaseModel

	ServerID  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_pin_peer" json:"server_id"`
	UserID    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_pin_peer" json:"user_id"`
	PinnedKey []byte `gorm:"type:bytea;not null"                                  json:"pinned_key"`
}

func (TrustPin) TableName() string { return "trust_pins" }

// Repository is a Store backed by the service datastore.
type Repository struct {
	pool pool.Pool
}

// NewRepository creates a pin repository on the given datastore pool.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// CheckPin implements Store.
func (r *Repository) CheckPin(ctx context.Context, serverID, userID string, identityKey []byte) (PinStatus, error) {
	var pin TrustPin
	err := r.db(ctx, false).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		First(&pin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pin = TrustPin{
			ServerID:  serverID,
			UserID:    userID,
			PinnedKey: append([]byte(nil), identityKey...),
		}
		if err := r.db(ctx, false).Create(&pin).Error; err != nil {
			return PinMismatch, err
		}
		return PinNew, nil
	}
	if err != nil {
		return PinMismatch, err
	}
	if bytes.Equal(pin.PinnedKey, identityKey) {
		return PinOK, nil
	}
	return PinMismatch, nil
}

// GetPin implements Store.
func (r *Repository) GetPin(ctx context.Context, serverID, userID string) ([]byte, bool, error) {
	var pin TrustPin
	err := r.db(ctx, true).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		First(&pin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return pin.PinnedKey, true, nil
}

// RemovePin implements Store.
func (r *Repository) RemovePin(ctx context.Context, serverID, userID string) error {
	return r.db(ctx, false).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		Delete(&TrustPin{}).Error
}
