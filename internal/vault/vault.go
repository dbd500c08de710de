// Package vault holds the master-key lifecycle and the AES-256-GCM envelope
// crypto for stored credentials. The derived key lives only in RAM; storage
// ever sees ciphertext, IV and auth tag as separate base64 fields.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// Argon2id parameters. Changing them re-keys nothing: existing vaults keep the
// parameters persisted in their master row.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	keyLen       = 32

	saltLen       = 32
	ivLen         = 16
	gcmTagLen     = 16
	minSeedLen    = 12
	lockThreshold = 5
	maxLockout    = 60 * time.Minute
)

// State is the vault lifecycle position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLocked        State = "locked"
	StateUnlocked      State = "unlocked"
)

// ErrLocked is wrapped into the auth-kind error every operation returns while
// the vault has no key in RAM.
var ErrLocked = fmt.Errorf("vault locked")

// Vault guards the derived master key. Unlock and Lock are exclusive;
// encrypt/decrypt take the read side.
type Vault struct {
	store storage.Gateway

	mu  sync.RWMutex
	key []byte // nil while locked
}

func New(store storage.Gateway) *Vault {
	return &Vault{store: store}
}

// State reports the lifecycle position without touching the key.
func (v *Vault) State(ctx context.Context) (State, error) {
	if v.Unlocked() {
		return StateUnlocked, nil
	}
	_, err := v.store.GetVaultMaster(ctx)
	if err == storage.ErrNotFound {
		return StateUninitialized, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read vault state: %w", err)
	}
	return StateLocked, nil
}

// Unlocked reports whether a key is currently held.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Initialize creates the master row from a fresh seed and returns the one-time
// recovery code. The vault is left locked; callers unlock with the same seed.
func (v *Vault) Initialize(ctx context.Context, seed string) (string, error) {
	if len(seed) < minSeedLen {
		return "", fault.New(fault.KindValidation, "master seed must be at least %d characters", minSeedLen)
	}
	if _, err := v.store.GetVaultMaster(ctx); err == nil {
		return "", fault.New(fault.KindValidation, "vault already initialized")
	} else if err != storage.ErrNotFound {
		return "", fmt.Errorf("failed to check vault state: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	recoveryRaw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, recoveryRaw); err != nil {
		return "", fmt.Errorf("failed to generate recovery code: %w", err)
	}
	recoveryCode := hex.EncodeToString(recoveryRaw)

	now := time.Now().UTC()
	master := &model.VaultMaster{
		Salt:         base64.StdEncoding.EncodeToString(salt),
		SeedHash:     base64.StdEncoding.EncodeToString(deriveKey(seed, salt)),
		RecoveryHash: base64.StdEncoding.EncodeToString(deriveKey(recoveryCode, salt)),
		TimeCost:     argonTime,
		MemoryKiB:    argonMemory,
		Threads:      argonThreads,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := v.store.SaveVaultMaster(ctx, master); err != nil {
		return "", fmt.Errorf("failed to persist vault master: %w", err)
	}
	lg := logging.WithComponent("vault")
	lg.Info().Msg("vault initialized")
	return recoveryCode, nil
}

// Unlock verifies the seed and holds the derived key in RAM. Repeated failures
// arm an exponential lockout.
func (v *Vault) Unlock(ctx context.Context, seed string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	master, err := v.store.GetVaultMaster(ctx)
	if err == storage.ErrNotFound {
		return fault.New(fault.KindValidation, "vault not initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to read vault master: %w", err)
	}

	now := time.Now().UTC()
	if master.LockedUntil != nil && master.LockedUntil.After(now) {
		return fault.New(fault.KindAuth, "vault locked out until %s", master.LockedUntil.Format(time.RFC3339))
	}

	salt, err := base64.StdEncoding.DecodeString(master.Salt)
	if err != nil {
		return fmt.Errorf("corrupt vault salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(master.SeedHash)
	if err != nil {
		return fmt.Errorf("corrupt vault seed hash: %w", err)
	}

	key := deriveKeyWithParams(seed, salt, master.TimeCost, master.MemoryKiB, master.Threads)
	if subtle.ConstantTimeCompare(key, want) != 1 {
		master.FailedAttempts++
		if master.FailedAttempts >= lockThreshold {
			until := now.Add(lockoutFor(master.FailedAttempts))
			master.LockedUntil = &until
		}
		master.UpdatedAt = now
		if saveErr := v.store.SaveVaultMaster(ctx, master); saveErr != nil {
			return fmt.Errorf("failed to record unlock failure: %w", saveErr)
		}
		lg := logging.WithComponent("vault")
		lg.Warn().Int("failed_attempts", master.FailedAttempts).Msg("vault unlock rejected")
		return fault.New(fault.KindAuth, "invalid master seed")
	}

	if master.FailedAttempts != 0 || master.LockedUntil != nil {
		master.FailedAttempts = 0
		master.LockedUntil = nil
		master.UpdatedAt = now
		if err := v.store.SaveVaultMaster(ctx, master); err != nil {
			return fmt.Errorf("failed to clear unlock failures: %w", err)
		}
	}

	v.key = key
	lg := logging.WithComponent("vault")
	lg.Info().Msg("vault unlocked")
	return nil
}

// lockoutFor doubles per failure past the threshold: 1m, 2m, 4m... capped.
func lockoutFor(attempts int) time.Duration {
	d := time.Minute << uint(attempts-lockThreshold)
	if d > maxLockout || d <= 0 {
		return maxLockout
	}
	return d
}

// Lock zeroes the key buffer and drops it.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	lg := logging.WithComponent("vault")
	lg.Info().Msg("vault locked")
}

// VerifyRecoveryCode checks the out-of-band code issued at initialization.
func (v *Vault) VerifyRecoveryCode(ctx context.Context, code string) error {
	master, err := v.store.GetVaultMaster(ctx)
	if err == storage.ErrNotFound {
		return fault.New(fault.KindValidation, "vault not initialized")
	}
	if err != nil {
		return fmt.Errorf("failed to read vault master: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(master.Salt)
	if err != nil {
		return fmt.Errorf("corrupt vault salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(master.RecoveryHash)
	if err != nil {
		return fmt.Errorf("corrupt recovery hash: %w", err)
	}
	if subtle.ConstantTimeCompare(deriveKeyWithParams(code, salt, master.TimeCost, master.MemoryKiB, master.Threads), want) != 1 {
		return fault.New(fault.KindAuth, "invalid recovery code")
	}
	return nil
}

// Reset erases every secret and the master row, returning the vault to the
// uninitialized state. Destructive and immediate.
func (v *Vault) Reset(ctx context.Context) error {
	v.mu.Lock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.mu.Unlock()

	if err := v.store.DeleteAllSecrets(ctx); err != nil {
		return fmt.Errorf("failed to erase secrets: %w", err)
	}
	if err := v.store.DeleteVaultMaster(ctx); err != nil {
		return fmt.Errorf("failed to erase vault master: %w", err)
	}
	lg := logging.WithComponent("vault")
	lg.Warn().Msg("vault reset, all secrets erased")
	return nil
}

// Encrypt seals a plaintext under the in-RAM key with a fresh 16-byte IV.
// The GCM tag is split off the sealed buffer so tampering with any of the
// three stored fields fails the open.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, iv, tag string, err error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", "", "", fault.Wrap(fault.KindAuth, ErrLocked)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	body, tagBytes := sealed[:len(sealed)-gcmTagLen], sealed[len(sealed)-gcmTagLen:]
	return base64.StdEncoding.EncodeToString(body),
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tagBytes),
		nil
}

// Decrypt opens a stored envelope. Any bit flip in ciphertext, IV or tag
// surfaces as a system-kind failure; a locked vault surfaces as auth.
func (v *Vault) Decrypt(ciphertext, iv, tag string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, fault.Wrap(fault.KindAuth, ErrLocked)
	}

	body, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fault.New(fault.KindSystem, "corrupt ciphertext: %v", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fault.New(fault.KindSystem, "corrupt IV: %v", err)
	}
	tagBytes, err := base64.StdEncoding.DecodeString(tag)
	if err != nil {
		return nil, fault.New(fault.KindSystem, "corrupt auth tag: %v", err)
	}
	if len(nonce) != ivLen {
		return nil, fault.New(fault.KindSystem, "IV must be %d bytes", ivLen)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, append(body, tagBytes...), nil)
	if err != nil {
		return nil, fault.New(fault.KindSystem, "decrypt failed: payload tampered or key mismatch")
	}
	return plaintext, nil
}

func deriveKey(input string, salt []byte) []byte {
	return argon2.IDKey([]byte(input), salt, argonTime, argonMemory, argonThreads, keyLen)
}

func deriveKeyWithParams(input string, salt []byte, timeCost, memoryKiB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(input), salt, timeCost, memoryKiB, threads, keyLen)
}
