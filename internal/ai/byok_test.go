package ai

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"buildforge/internal/secrets"
)

func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&UserProviderKey{}))

	masterKey, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	sm, err := secrets.NewManager(masterKey)
	require.NoError(t, err)

	return NewKeyStore(db, sm, nil, Options{})
}

func TestRouterForUser_NoKeysFallsBackToPlatform(t *testing.T) {
	ks := newTestKeyStore(t)
	platform := newTestRouter(KeySourcePlatform, &fakeClient{provider: ProviderClaude})

	router, byok, err := ks.RouterForUser(context.Background(), "user-1", platform)
	require.NoError(t, err)
	assert.False(t, byok)
	assert.Same(t, platform, router)
}

func TestRouterForUser_BYOKRouterHoldsOnlyUserProviders(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.SaveKey(ctx, "user-1", ProviderClaude, "sk-ant-user-key", ""))

	platform := newTestRouter(KeySourcePlatform,
		&fakeClient{provider: ProviderClaude},
		&fakeClient{provider: ProviderGPT4},
		&fakeClient{provider: ProviderGemini})

	router, byok, err := ks.RouterForUser(ctx, "user-1", platform)
	require.NoError(t, err)
	assert.True(t, byok)
	assert.Equal(t, KeySourceBYOK, router.KeySource())

	providers := router.Providers()
	assert.Equal(t, []Provider{ProviderClaude}, providers,
		"a BYOK router must never contain platform-funded clients")
}

func TestRouterForUser_InactiveKeysIgnored(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.SaveKey(ctx, "user-1", ProviderClaude, "sk-ant-user-key", ""))
	require.NoError(t, ks.SetActive(ctx, "user-1", ProviderClaude, false))

	platform := newTestRouter(KeySourcePlatform, &fakeClient{provider: ProviderGPT4})
	router, byok, err := ks.RouterForUser(ctx, "user-1", platform)
	require.NoError(t, err)
	assert.False(t, byok)
	assert.Same(t, platform, router)
}

func TestSaveKey_UpsertsAndRoundTrips(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.SaveKey(ctx, "user-1", ProviderGrok, "xai-first", ""))
	require.NoError(t, ks.SaveKey(ctx, "user-1", ProviderGrok, "xai-second", "grok-4"))

	keys, err := ks.Keys(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "grok-4", keys[0].ModelPreference)
	assert.False(t, keys[0].IsValid, "updated keys need re-validation")

	credential, err := ks.credential(ctx, "user-1", ProviderGrok)
	require.NoError(t, err)
	assert.Equal(t, "xai-second", credential)
}

func TestSaveKey_OllamaRequiresURL(t *testing.T) {
	ks := newTestKeyStore(t)
	err := ks.SaveKey(context.Background(), "user-1", ProviderOllama, "not-a-url", "")
	assert.Error(t, err)

	err = ks.SaveKey(context.Background(), "user-1", ProviderOllama, "http://localhost:11434", "")
	assert.NoError(t, err)
}

func TestDeleteKey_RemovesCredential(t *testing.T) {
	ks := newTestKeyStore(t)
	ctx := context.Background()

	require.NoError(t, ks.SaveKey(ctx, "user-1", ProviderClaude, "sk-ant-user-key", ""))
	require.NoError(t, ks.DeleteKey(ctx, "user-1", ProviderClaude))

	_, err := ks.credential(ctx, "user-1", ProviderClaude)
	assert.Error(t, err)
}
