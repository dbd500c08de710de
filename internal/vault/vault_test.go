package vault

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

func newUnlockedVault(t *testing.T) (*Vault, storage.Gateway) {
	t.Helper()
	logging.Init(logging.Config{Level: "error"})
	store := storage.NewMemory()
	v := New(store)
	_, err := v.Initialize(context.Background(), "correct horse battery")
	require.NoError(t, err)
	require.NoError(t, v.Unlock(context.Background(), "correct horse battery"))
	return v, store
}

func TestInitialize_RejectsShortSeed(t *testing.T) {
	logging.Init(logging.Config{Level: "error"})
	v := New(storage.NewMemory())
	_, err := v.Initialize(context.Background(), "short")
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInitialize_ReturnsRecoveryCodeAndLeavesVaultLocked(t *testing.T) {
	logging.Init(logging.Config{Level: "error"})
	ctx := context.Background()
	v := New(storage.NewMemory())

	code, err := v.Initialize(ctx, "a perfectly long seed")
	require.NoError(t, err)
	assert.Len(t, code, 32, "recovery code is 16 bytes hex")

	state, err := v.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, state)

	_, err = v.Initialize(ctx, "another long enough seed")
	assert.Error(t, err, "double initialization must be rejected")

	require.NoError(t, v.VerifyRecoveryCode(ctx, code))
	err = v.VerifyRecoveryCode(ctx, "0000000000000000000000000000000.")
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
}

func TestUnlock_WrongSeedCountsAttemptsAndArmsLockout(t *testing.T) {
	logging.Init(logging.Config{Level: "error"})
	ctx := context.Background()
	store := storage.NewMemory()
	v := New(store)
	_, err := v.Initialize(ctx, "correct horse battery")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := v.Unlock(ctx, "wrong seed entirely")
		require.Error(t, err)
		assert.Equal(t, fault.KindAuth, fault.KindOf(err))
	}

	master, err := store.GetVaultMaster(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, master.FailedAttempts)
	require.NotNil(t, master.LockedUntil, "fifth failure arms the lockout")

	// Even the correct seed is rejected while locked out.
	err = v.Unlock(ctx, "correct horse battery")
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
	assert.False(t, v.Unlocked())
}

func TestUnlock_SuccessClearsFailureCounter(t *testing.T) {
	logging.Init(logging.Config{Level: "error"})
	ctx := context.Background()
	store := storage.NewMemory()
	v := New(store)
	_, err := v.Initialize(ctx, "correct horse battery")
	require.NoError(t, err)

	require.Error(t, v.Unlock(ctx, "wrong seed entirely"))
	require.NoError(t, v.Unlock(ctx, "correct horse battery"))
	assert.True(t, v.Unlocked())

	master, err := store.GetVaultMaster(ctx)
	require.NoError(t, err)
	assert.Zero(t, master.FailedAttempts)
	assert.Nil(t, master.LockedUntil)
}

func TestLockoutCurve(t *testing.T) {
	assert.Equal(t, "1m0s", lockoutFor(5).String())
	assert.Equal(t, "2m0s", lockoutFor(6).String())
	assert.Equal(t, "4m0s", lockoutFor(7).String())
	assert.Equal(t, "32m0s", lockoutFor(10).String())
	assert.Equal(t, "1h0m0s", lockoutFor(11).String(), "lockout caps at one hour")
	assert.Equal(t, "1h0m0s", lockoutFor(40).String())
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v, _ := newUnlockedVault(t)

	ciphertext, iv, tag, err := v.Encrypt([]byte(`{"password":"hunter2"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)
	assert.NotEmpty(t, tag)

	ivRaw, err := base64.StdEncoding.DecodeString(iv)
	require.NoError(t, err)
	assert.Len(t, ivRaw, 16)

	plaintext, err := v.Decrypt(ciphertext, iv, tag)
	require.NoError(t, err)
	assert.Equal(t, `{"password":"hunter2"}`, string(plaintext))
}

func TestDecrypt_TamperedCiphertextFailsAsSystem(t *testing.T) {
	v, _ := newUnlockedVault(t)

	ciphertext, iv, tag, err := v.Encrypt([]byte("sensitive payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = v.Decrypt(tampered, iv, tag)
	require.Error(t, err)
	assert.Equal(t, fault.KindSystem, fault.KindOf(err))

	// Tampering the tag fails the same way.
	tagRaw, _ := base64.StdEncoding.DecodeString(tag)
	tagRaw[0] ^= 0x01
	_, err = v.Decrypt(ciphertext, iv, base64.StdEncoding.EncodeToString(tagRaw))
	require.Error(t, err)
	assert.Equal(t, fault.KindSystem, fault.KindOf(err))
}

func TestLockedVault_OperationsFailWithAuthKind(t *testing.T) {
	v, _ := newUnlockedVault(t)
	ciphertext, iv, tag, err := v.Encrypt([]byte("data"))
	require.NoError(t, err)

	v.Lock()
	assert.False(t, v.Unlocked())

	_, _, _, err = v.Encrypt([]byte("data"))
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))

	_, err = v.Decrypt(ciphertext, iv, tag)
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
}

func TestValidatePayload_SchemaPerIntegrationType(t *testing.T) {
	cases := []struct {
		name    string
		it      model.IntegrationType
		payload map[string]interface{}
		wantErr string
	}{
		{
			name: "smtp complete",
			it:   model.IntegrationSMTP,
			payload: map[string]interface{}{
				"host": "smtp.example.com", "port": float64(587),
				"username": "mailer", "password": "pw",
			},
		},
		{
			name:    "smtp missing password",
			it:      model.IntegrationSMTP,
			payload: map[string]interface{}{"host": "smtp.example.com", "port": float64(587), "username": "mailer"},
			wantErr: "password",
		},
		{
			name:    "sftp accepts private key instead of password",
			it:      model.IntegrationSFTP,
			payload: map[string]interface{}{"host": "sftp.example.com", "username": "u", "privateKey": "-----BEGIN..."},
		},
		{
			name:    "sftp needs one credential",
			it:      model.IntegrationSFTP,
			payload: map[string]interface{}{"host": "sftp.example.com", "username": "u"},
			wantErr: "password|privateKey",
		},
		{
			name:    "oauth2 missing token url",
			it:      model.IntegrationOAuth2,
			payload: map[string]interface{}{"clientId": "id", "clientSecret": "sec"},
			wantErr: "tokenUrl",
		},
		{
			name:    "custom accepts anything nonempty",
			it:      model.IntegrationCustom,
			payload: map[string]interface{}{"whatever": "value"},
		},
		{
			name:    "empty payload rejected",
			it:      model.IntegrationAPIKey,
			payload: map[string]interface{}{},
			wantErr: "empty",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.it, tc.payload)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSecrets_CreateRevealRotate(t *testing.T) {
	v, store := newUnlockedVault(t)
	secrets := NewSecrets(v, store)
	ctx := context.Background()

	created, err := secrets.Create(ctx, "warehouse-db", model.IntegrationDatabase, map[string]interface{}{
		"host": "db.internal", "port": float64(5432),
		"username": "etl", "password": "s3cret", "database": "warehouse",
	})
	require.NoError(t, err)
	assert.Equal(t, "db.internal", created.Metadata["host"])
	assert.NotContains(t, created.Metadata, "password", "metadata must never carry credentials")
	assert.NotEmpty(t, created.Ciphertext)

	payload, err := secrets.Reveal(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", payload["password"])

	field, err := secrets.Field(ctx, created.ID, "username")
	require.NoError(t, err)
	assert.Equal(t, "etl", field)

	rotated, err := secrets.Rotate(ctx, created.ID, map[string]interface{}{
		"host": "db.internal", "port": float64(5432),
		"username": "etl", "password": "n3w-s3cret", "database": "warehouse",
	})
	require.NoError(t, err)
	assert.True(t, rotated.LastRotatedAt.After(created.LastRotatedAt) || rotated.LastRotatedAt.Equal(created.LastRotatedAt))
	assert.NotEqual(t, created.Ciphertext, rotated.Ciphertext, "fresh IV yields fresh ciphertext")

	payload, err = secrets.Reveal(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "n3w-s3cret", payload["password"])
}

func TestSecrets_DisabledSecretRefusesReveal(t *testing.T) {
	v, store := newUnlockedVault(t)
	secrets := NewSecrets(v, store)
	ctx := context.Background()

	created, err := secrets.Create(ctx, "api", model.IntegrationAPIKey, map[string]interface{}{"apiKey": "k"})
	require.NoError(t, err)

	_, err = secrets.SetEnabled(ctx, created.ID, false)
	require.NoError(t, err)

	_, err = secrets.Reveal(ctx, created.ID)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestReset_ReturnsToUninitializedAndErasesSecrets(t *testing.T) {
	v, store := newUnlockedVault(t)
	secrets := NewSecrets(v, store)
	ctx := context.Background()

	created, err := secrets.Create(ctx, "api", model.IntegrationAPIKey, map[string]interface{}{"apiKey": "k"})
	require.NoError(t, err)

	require.NoError(t, v.Reset(ctx))

	state, err := v.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)
	assert.False(t, v.Unlocked())

	_, err = store.GetSecret(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
