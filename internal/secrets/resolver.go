package secrets

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNoAPIKey means neither a user key nor the configured default exists.
	ErrNoAPIKey = errors.New("no api key configured")
	// ErrBadAPIKey means the resolved key fails the format precondition.
	ErrBadAPIKey = errors.New("api key must start with sk-")
)

// UserAPIKey stores one encrypted provider key per user.
type UserAPIKey struct {
	UserID    uint64    `gorm:"primaryKey" json:"-"`
	Encrypted string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserAPIKey) TableName() string { return "user_api_keys" }

// Resolver yields the API key for a completion pass: the user's stored key,
// or the process-wide default injected at construction. Either way the key
// must be non-empty and carry the sk- prefix before any network call.
type Resolver struct {
	db         *gorm.DB
	cipher     *Cipher
	defaultKey string
}

func NewResolver(db *gorm.DB, cipher *Cipher, defaultKey string) *Resolver {
	return &Resolver{db: db, cipher: cipher, defaultKey: defaultKey}
}

func (r *Resolver) APIKeyFor(ctx context.Context, userID uint64) (string, error) {
	key := r.defaultKey

	var rec UserAPIKey
	err := r.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error
	switch {
	case err == nil:
		plain, derr := r.cipher.Decrypt(rec.Encrypted)
		if derr != nil {
			return "", derr
		}
		key = plain
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall back to the default
	default:
		return "", err
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-") {
		return "", ErrBadAPIKey
	}
	return key, nil
}

// SetUserKey validates and stores a user's key encrypted at rest.
func (r *Resolver) SetUserKey(ctx context.Context, userID uint64, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-") {
		return ErrBadAPIKey
	}
	enc, err := r.cipher.Encrypt(key)
	if err != nil {
		return err
	}
	rec := UserAPIKey{UserID: userID, Encrypted: enc}
	return r.db.WithContext(ctx).Save(&rec).Error
}

func (r *Resolver) DeleteUserKey(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).Delete(&UserAPIKey{}, "user_id = ?", userID).Error
}
