package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"buildforge/internal/cache"
	"buildforge/internal/logging"
	"buildforge/internal/secrets"
)

const decryptedKeyTTL = 10 * time.Minute

// UserProviderKey is an encrypted BYOK credential for one user and provider.
// The raw key never touches the database or the JSON surface.
type UserProviderKey struct {
	ID              uint           `json:"id" gorm:"primaryKey"`
	UserID          string         `json:"user_id" gorm:"index:idx_user_provider,unique;not null"`
	Provider        string         `json:"provider" gorm:"index:idx_user_provider,unique;not null"`
	EncryptedKey    string         `json:"-" gorm:"not null"`
	KeySalt         string         `json:"-" gorm:"not null"`
	KeyFingerprint  string         `json:"-" gorm:"not null"`
	ModelPreference string         `json:"model_preference,omitempty"`
	IsActive        bool           `json:"is_active" gorm:"default:true"`
	IsValid         bool           `json:"is_valid"`
	LastValidated   *time.Time     `json:"last_validated,omitempty"`
	LastUsed        *time.Time     `json:"last_used,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// KeyStore manages BYOK credentials and builds per-user routers.
//
// A BYOK router is constructed exclusively from the user's own keys. There is
// no platform fill-in for providers the user has not configured: if every
// user-funded provider fails, the call fails rather than silently spending
// platform credits.
type KeyStore struct {
	db       *gorm.DB
	secrets  *secrets.Manager
	keyCache cache.Store
	opts     Options
	log      *zap.Logger
}

// NewKeyStore creates a key store. keyCache holds decrypted keys for a short
// TTL so hot build loops do not re-derive PBKDF2 keys per task.
func NewKeyStore(db *gorm.DB, sm *secrets.Manager, keyCache cache.Store, opts Options) *KeyStore {
	return &KeyStore{
		db:       db,
		secrets:  sm,
		keyCache: keyCache,
		opts:     opts,
		log:      logging.L().Named("ai.byok"),
	}
}

// SaveKey encrypts and stores a credential, replacing any existing one for
// the same provider. The key is marked unvalidated until ValidateKey runs.
func (ks *KeyStore) SaveKey(ctx context.Context, userID string, provider Provider, credential, modelPref string) error {
	if provider == ProviderOllama && !strings.HasPrefix(credential, "http://") && !strings.HasPrefix(credential, "https://") {
		return fmt.Errorf("ollama credential must be a base URL")
	}

	encrypted, salt, fingerprint, err := ks.secrets.Encrypt(userID, credential)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider key: %w", err)
	}

	defer ks.invalidate(ctx, userID, provider)

	var existing UserProviderKey
	result := ks.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&existing)
	if result.Error == nil {
		return ks.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"encrypted_key":    encrypted,
			"key_salt":         salt,
			"key_fingerprint":  fingerprint,
			"model_preference": modelPref,
			"is_active":        true,
			"is_valid":         false,
		}).Error
	}

	return ks.db.WithContext(ctx).Create(&UserProviderKey{
		UserID:          userID,
		Provider:        string(provider),
		EncryptedKey:    encrypted,
		KeySalt:         salt,
		KeyFingerprint:  fingerprint,
		ModelPreference: modelPref,
		IsActive:        true,
	}).Error
}

// Keys returns key metadata for a user. Encrypted material stays out of the
// JSON encoding via struct tags.
func (ks *KeyStore) Keys(ctx context.Context, userID string) ([]UserProviderKey, error) {
	var keys []UserProviderKey
	err := ks.db.WithContext(ctx).Where("user_id = ?", userID).Find(&keys).Error
	return keys, err
}

// DeleteKey removes the credential for a provider.
func (ks *KeyStore) DeleteKey(ctx context.Context, userID string, provider Provider) error {
	ks.invalidate(ctx, userID, provider)
	return ks.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&UserProviderKey{}).Error
}

// SetActive toggles a stored key without deleting it.
func (ks *KeyStore) SetActive(ctx context.Context, userID string, provider Provider, active bool) error {
	ks.invalidate(ctx, userID, provider)
	result := ks.db.WithContext(ctx).Model(&UserProviderKey{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Update("is_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no key stored for provider %s", provider)
	}
	return nil
}

// ValidateKey health-checks the stored credential against the real provider
// and records the outcome.
func (ks *KeyStore) ValidateKey(ctx context.Context, userID string, provider Provider) (bool, error) {
	credential, err := ks.credential(ctx, userID, provider)
	if err != nil {
		return false, err
	}

	client, err := NewClient(provider, credential)
	if err != nil {
		return false, err
	}

	healthErr := client.Health(ctx)
	valid := healthErr == nil

	now := time.Now()
	if err := ks.db.WithContext(ctx).Model(&UserProviderKey{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Updates(map[string]any{"is_valid": valid, "last_validated": now}).Error; err != nil {
		ks.log.Warn("failed to record key validation", zap.Error(err))
	}
	return valid, healthErr
}

// RouterForUser returns the router a build for userID must use. When the user
// has active BYOK keys the returned router holds only clients funded by those
// keys and reports KeySourceBYOK; otherwise the platform router is returned
// unchanged.
func (ks *KeyStore) RouterForUser(ctx context.Context, userID string, platform *Router) (*Router, bool, error) {
	var keys []UserProviderKey
	if err := ks.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Find(&keys).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load provider keys: %w", err)
	}
	if len(keys) == 0 {
		return platform, false, nil
	}

	clients := make(map[Provider]Client, len(keys))
	for _, key := range keys {
		provider := Provider(key.Provider)
		credential, err := ks.credentialFromRecord(ctx, key)
		if err != nil {
			ks.log.Warn("skipping undecryptable provider key",
				zap.String("user_id", userID),
				zap.String("provider", key.Provider),
				zap.Error(err))
			continue
		}
		client, err := NewClient(provider, credential)
		if err != nil {
			ks.log.Warn("skipping unsupported provider key",
				zap.String("provider", key.Provider), zap.Error(err))
			continue
		}
		clients[provider] = client
	}
	if len(clients) == 0 {
		return platform, false, nil
	}

	return NewRouter(clients, KeySourceBYOK, ks.opts), true, nil
}

// MarkUsed stamps last_used for billing dashboards.
func (ks *KeyStore) MarkUsed(ctx context.Context, userID string, provider Provider) {
	now := time.Now()
	if err := ks.db.WithContext(ctx).Model(&UserProviderKey{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Update("last_used", now).Error; err != nil {
		ks.log.Warn("failed to stamp key usage", zap.Error(err))
	}
}

func (ks *KeyStore) credential(ctx context.Context, userID string, provider Provider) (string, error) {
	var key UserProviderKey
	if err := ks.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND is_active = ?", userID, provider, true).
		First(&key).Error; err != nil {
		return "", fmt.Errorf("no key stored for provider %s: %w", provider, err)
	}
	return ks.credentialFromRecord(ctx, key)
}

func (ks *KeyStore) credentialFromRecord(ctx context.Context, key UserProviderKey) (string, error) {
	cacheKey := ks.cacheKey(key.UserID, Provider(key.Provider))
	if ks.keyCache != nil {
		if cached, err := ks.keyCache.Get(ctx, cacheKey); err == nil {
			return cached, nil
		}
	}

	credential, err := ks.secrets.Decrypt(key.UserID, key.EncryptedKey, key.KeySalt)
	if err != nil {
		return "", err
	}
	if ks.keyCache != nil {
		_ = ks.keyCache.Set(ctx, cacheKey, credential, decryptedKeyTTL)
	}
	return credential, nil
}

func (ks *KeyStore) invalidate(ctx context.Context, userID string, provider Provider) {
	if ks.keyCache != nil {
		_ = ks.keyCache.Delete(ctx, ks.cacheKey(userID, provider))
	}
}

func (ks *KeyStore) cacheKey(userID string, provider Provider) string {
	return "byok:key:" + userID + ":" + string(provider)
}

// NewClient constructs a client for a provider from a credential. For Ollama
// the credential is the server base URL.
func NewClient(provider Provider, credential string) (Client, error) {
	switch provider {
	case ProviderClaude:
		return NewClaudeClient(credential), nil
	case ProviderGPT4:
		return NewOpenAIClient(credential), nil
	case ProviderGemini:
		return NewGeminiClient(credential), nil
	case ProviderGrok:
		return NewGrokClient(credential), nil
	case ProviderOllama:
		return NewOllamaClient(credential), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
