package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/test/util"
)

func newSecretFixture(t *testing.T) (*database.Client, *SecretService) {
	t.Helper()
	db := util.SetupTestDatabase(t)

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	t.Setenv("TEST_MASTER_KEY", base64.StdEncoding.EncodeToString(key))

	svc, err := NewSecretService(db, "TEST_MASTER_KEY", "primary")
	require.NoError(t, err)
	return db, svc
}

func TestSecretRoundTrip(t *testing.T) {
	db, svc := newSecretFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, SetSecretRequest{
		KeyPath:     "github/consilio/token",
		Value:       "ghp_supersecretvalue123",
		SecretType:  "api_token",
		Description: "CI token",
	}, "tester"))

	value, err := svc.Get(ctx, "github/consilio/token", "tester")
	require.NoError(t, err)
	assert.Equal(t, "ghp_supersecretvalue123", value)

	// Ciphertext at rest never contains the cleartext.
	var stored []byte
	err = db.Pool().QueryRow(ctx,
		`SELECT encrypted_value FROM secrets WHERE key_path = $1`, "github/consilio/token").Scan(&stored)
	require.NoError(t, err)
	assert.NotContains(t, string(stored), "ghp_supersecretvalue123")

	// Overwrite and re-read.
	require.NoError(t, svc.Set(ctx, SetSecretRequest{
		KeyPath: "github/consilio/token",
		Value:   "ghp_rotatedvalue456",
	}, "tester"))
	value, err = svc.Get(ctx, "github/consilio/token", "tester")
	require.NoError(t, err)
	assert.Equal(t, "ghp_rotatedvalue456", value)
}

func TestSecretGetBumpsAccessCount(t *testing.T) {
	_, svc := newSecretFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, SetSecretRequest{KeyPath: "a/b", Value: "v"}, "tester"))
	for i := 0; i < 3; i++ {
		_, err := svc.Get(ctx, "a/b", "tester")
		require.NoError(t, err)
	}

	items, err := svc.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].AccessCount)
	assert.NotNil(t, items[0].LastAccessedAt)
}

func TestSecretAccessLogCountsEveryAccess(t *testing.T) {
	_, svc := newSecretFixture(t)
	ctx := context.Background()

	// 1 set + 1 get + 1 failed get (missing) + 1 delete + 1 failed delete.
	require.NoError(t, svc.Set(ctx, SetSecretRequest{KeyPath: "x/y", Value: "v"}, "inst-1"))
	_, err := svc.Get(ctx, "x/y", "inst-1")
	require.NoError(t, err)
	_, err = svc.Get(ctx, "x/missing", "inst-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, svc.Delete(ctx, "x/y", "inst-1"))
	assert.ErrorIs(t, svc.Delete(ctx, "x/y", "inst-1"), ErrNotFound)

	logYs, err := svc.AccessLog(ctx, "x/y", 50)
	require.NoError(t, err)
	assert.Len(t, logYs, 4)

	logMissing, err := svc.AccessLog(ctx, "x/missing", 50)
	require.NoError(t, err)
	require.Len(t, logMissing, 1)
	assert.False(t, logMissing[0].Success)
	assert.Equal(t, models.SecretAccessGet, logMissing[0].AccessType)
	assert.Equal(t, "inst-1", logMissing[0].AccessedBy)
}

func TestSecretExpiry(t *testing.T) {
	_, svc := newSecretFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, svc.Set(ctx, SetSecretRequest{
		KeyPath:   "expired/token",
		Value:     "old",
		ExpiresAt: &past,
	}, "tester"))

	_, err := svc.Get(ctx, "expired/token", "tester")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestSecretListNeverReturnsValues(t *testing.T) {
	_, svc := newSecretFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, SetSecretRequest{KeyPath: "infra/dns/key", Value: "topsecret"}, "t"))
	require.NoError(t, svc.Set(ctx, SetSecretRequest{KeyPath: "infra/tunnel/key", Value: "alsosecret"}, "t"))
	require.NoError(t, svc.Set(ctx, SetSecretRequest{KeyPath: "other/key", Value: "x"}, "t"))

	items, err := svc.List(ctx, "infra/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "infra/dns/key", items[0].KeyPath)
	assert.Equal(t, "infra/tunnel/key", items[1].KeyPath)
}

func TestSecretKeyPathValidation(t *testing.T) {
	_, svc := newSecretFixture(t)
	ctx := context.Background()

	for _, bad := range []string{"", "/leading", "trailing/", "a//b"} {
		err := svc.Set(ctx, SetSecretRequest{KeyPath: bad, Value: "v"}, "t")
		assert.True(t, IsValidationError(err), "key path %q must fail", bad)
	}

	err := svc.Set(ctx, SetSecretRequest{KeyPath: "a/b", Value: ""}, "t")
	assert.True(t, IsValidationError(err))
}

func TestNewSecretServiceKeyValidation(t *testing.T) {
	db := util.SetupTestDatabase(t)

	t.Setenv("EMPTY_KEY", "")
	_, err := NewSecretService(db, "EMPTY_KEY", "primary")
	assert.Error(t, err)

	t.Setenv("BAD_KEY", "not-base64!!!")
	_, err = NewSecretService(db, "BAD_KEY", "primary")
	assert.Error(t, err)

	t.Setenv("SHORT_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	_, err = NewSecretService(db, "SHORT_KEY", "primary")
	assert.Error(t, err)
}
