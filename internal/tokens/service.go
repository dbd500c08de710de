// Package tokens manages the cached-credential lifecycle: acquire on miss,
// refresh ahead of expiry, and serialize concurrent refreshes so a storm of
// callers produces exactly one upstream request.
package tokens

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/vault"
)

// Config tunes the refresh protocol. Zero values pick the defaults below.
type Config struct {
	RefreshSkew    time.Duration // refresh when expiry is inside this window
	StuckThreshold time.Duration // reclaim a claim whose heartbeat is older
	WaitBound      time.Duration // waiters give up after this long
	SweepInterval  time.Duration // proactive sweeper cadence
	HTTPTimeout    time.Duration // grant request timeout
}

// Service is the token lifecycle engine over the storage CAS.
type Service struct {
	store   storage.Gateway
	vault   *vault.Vault
	secrets *vault.Secrets
	metrics *metrics.Metrics
	client  *http.Client
	cfg     Config
	log     zerolog.Logger
}

func NewService(store storage.Gateway, v *vault.Vault, secrets *vault.Secrets, m *metrics.Metrics, cfg Config) *Service {
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = 5 * time.Minute
	}
	if cfg.StuckThreshold == 0 {
		cfg.StuckThreshold = time.Minute
	}
	if cfg.WaitBound == 0 {
		cfg.WaitBound = 10 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	return &Service{
		store:   store,
		vault:   v,
		secrets: secrets,
		metrics: m,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:     cfg,
		log:     logging.WithComponent("tokens"),
	}
}

// cacheTypeFor maps an adapter kind to the cache row flavor it maintains.
func cacheTypeFor(kind model.AdapterKind) model.TokenType {
	if kind == model.AdapterCookie {
		return model.TokenSession
	}
	return model.TokenAccess
}

// AccessToken returns a live credential for the adapter, acquiring or
// refreshing it if needed. Concurrent callers on a stale entry race on the
// storage CAS: one performs the upstream grant, the rest wait for its result.
func (s *Service) AccessToken(ctx context.Context, adapter *model.AuthAdapter, scope string) (string, error) {
	tokenType := cacheTypeFor(adapter.Kind)

	entry, err := s.store.GetToken(ctx, adapter.ID, tokenType, scope)
	if err == storage.ErrNotFound {
		entry, err = s.bootstrap(ctx, adapter, tokenType, scope)
	}
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if entry.ValueEnc != "" && !entry.ExpiringWithin(s.cfg.RefreshSkew, now) {
		if err := s.store.TouchToken(ctx, entry.ID, now); err != nil && err != storage.ErrNotFound {
			s.log.Warn().Err(err).Str("adapter_id", adapter.ID).Msg("failed to touch token")
		}
		return s.decryptValue(entry)
	}
	return s.refreshOrWait(ctx, adapter, entry)
}

// Invalidate drops the cached rows of an adapter, forcing reacquisition. Used
// when an adapter is deleted or its secret rotates.
func (s *Service) Invalidate(ctx context.Context, adapterID string) error {
	return s.store.DeleteTokensForAdapter(ctx, adapterID)
}

// bootstrap inserts an empty, already-expired row so all callers funnel into
// the same CAS regardless of who arrived first. A lost insert race just
// re-reads the winner's row.
func (s *Service) bootstrap(ctx context.Context, adapter *model.AuthAdapter, tokenType model.TokenType, scope string) (*model.TokenEntry, error) {
	now := time.Now().UTC()
	entry := &model.TokenEntry{
		ID:        uuid.NewString(),
		AdapterID: adapter.ID,
		TokenType: tokenType,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(-time.Second),
		UpdatedAt: now,
	}
	err := s.store.InsertToken(ctx, entry)
	if err == storage.ErrConflict {
		return s.store.GetToken(ctx, adapter.ID, tokenType, scope)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) refreshOrWait(ctx context.Context, adapter *model.AuthAdapter, entry *model.TokenEntry) (string, error) {
	now := time.Now().UTC()
	claimed, err := s.store.ClaimTokenRefresh(ctx, entry.ID, entry.Version, now, now.Add(-s.cfg.StuckThreshold))
	if err != nil {
		return "", err
	}
	if claimed {
		return s.performRefresh(ctx, adapter, entry)
	}
	return s.waitForRefresh(ctx, adapter, entry)
}

// performRefresh runs the adapter's grant and publishes the result through
// CompleteTokenRefresh, which bumps the version waiters watch.
func (s *Service) performRefresh(ctx context.Context, adapter *model.AuthAdapter, entry *model.TokenEntry) (string, error) {
	tok, err := s.grant(ctx, adapter, entry.Scope)
	if err != nil {
		now := time.Now().UTC()
		if failErr := s.store.FailTokenRefresh(ctx, entry.ID, err.Error(), now); failErr != nil && failErr != storage.ErrNotFound {
			s.log.Error().Err(failErr).Str("adapter_id", adapter.ID).Msg("failed to release refresh claim")
		}
		if s.metrics != nil {
			s.metrics.RecordTokenRefresh(string(adapter.Kind), false)
		}
		s.log.Warn().Err(err).Str("adapter_id", adapter.ID).Str("adapter", adapter.Name).Msg("token refresh failed")
		return "", err
	}

	enc, iv, tag, err := s.vault.Encrypt([]byte(tok.value))
	if err != nil {
		s.store.FailTokenRefresh(ctx, entry.ID, "vault unavailable: "+err.Error(), time.Now().UTC())
		return "", err
	}

	fresh := &model.TokenEntry{
		ID:        entry.ID,
		ValueEnc:  enc,
		ValueIV:   iv,
		ValueTag:  tag,
		IssuedAt:  tok.issuedAt,
		ExpiresAt: tok.expiresAt,
	}
	if err := s.store.CompleteTokenRefresh(ctx, fresh); err != nil {
		return "", err
	}

	if tok.refreshValue != "" {
		s.storeRotatedRefreshToken(ctx, adapter, tok)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(string(adapter.Kind), true)
	}
	s.log.Info().
		Str("adapter_id", adapter.ID).
		Str("adapter", adapter.Name).
		Time("expires_at", tok.expiresAt).
		Msg("token refreshed")
	return tok.value, nil
}

// storeRotatedRefreshToken persists a rotated refresh token under its own
// cache row so the next grant uses the newest one.
func (s *Service) storeRotatedRefreshToken(ctx context.Context, adapter *model.AuthAdapter, tok *issued) {
	enc, iv, tag, err := s.vault.Encrypt([]byte(tok.refreshValue))
	if err != nil {
		s.log.Error().Err(err).Str("adapter_id", adapter.ID).Msg("failed to encrypt rotated refresh token")
		return
	}
	now := time.Now().UTC()
	// Refresh tokens outlive access tokens; expiry here only drives sweeping.
	expires := now.Add(30 * 24 * time.Hour)

	row, err := s.store.GetToken(ctx, adapter.ID, model.TokenRefresh, "")
	if err == storage.ErrNotFound {
		row = &model.TokenEntry{
			ID:        uuid.NewString(),
			AdapterID: adapter.ID,
			TokenType: model.TokenRefresh,
			IssuedAt:  now,
			ExpiresAt: expires,
			UpdatedAt: now,
		}
		if insertErr := s.store.InsertToken(ctx, row); insertErr != nil && insertErr != storage.ErrConflict {
			s.log.Error().Err(insertErr).Str("adapter_id", adapter.ID).Msg("failed to store rotated refresh token")
			return
		}
		if row, err = s.store.GetToken(ctx, adapter.ID, model.TokenRefresh, ""); err != nil {
			return
		}
	} else if err != nil {
		s.log.Error().Err(err).Str("adapter_id", adapter.ID).Msg("failed to read refresh token row")
		return
	}

	updated := &model.TokenEntry{
		ID:        row.ID,
		ValueEnc:  enc,
		ValueIV:   iv,
		ValueTag:  tag,
		IssuedAt:  now,
		ExpiresAt: expires,
	}
	if err := s.store.CompleteTokenRefresh(ctx, updated); err != nil {
		s.log.Error().Err(err).Str("adapter_id", adapter.ID).Msg("failed to rotate refresh token")
	}
}

// waitForRefresh polls for the claimant's result with doubling backoff
// (100ms up to 1.6s), bounded by WaitBound. If the claimant dies mid-flight
// the waiter reclaims through the same CAS.
func (s *Service) waitForRefresh(ctx context.Context, adapter *model.AuthAdapter, entry *model.TokenEntry) (string, error) {
	startVersion := entry.Version
	deadline := time.Now().Add(s.cfg.WaitBound)
	delay := 100 * time.Millisecond
	const maxDelay = 1600 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return "", fault.Wrap(fault.KindTimeout, ctx.Err())
		case <-time.After(delay):
		}
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}

		cur, err := s.store.GetToken(ctx, adapter.ID, entry.TokenType, entry.Scope)
		if err != nil {
			return "", err
		}
		now := time.Now().UTC()
		if cur.Version > startVersion && cur.ValueEnc != "" && !cur.ExpiringWithin(0, now) {
			return s.decryptValue(cur)
		}

		// Claimant released without success, or its heartbeat went stale.
		if cur.ExpiringWithin(s.cfg.RefreshSkew, now) {
			claimed, err := s.store.ClaimTokenRefresh(ctx, cur.ID, cur.Version, now, now.Add(-s.cfg.StuckThreshold))
			if err != nil {
				return "", err
			}
			if claimed {
				return s.performRefresh(ctx, adapter, cur)
			}
		}

		if time.Now().After(deadline) {
			return "", fault.New(fault.KindAuth, "timed out waiting for token refresh of adapter %q", adapter.Name)
		}
	}
}

func (s *Service) decryptValue(entry *model.TokenEntry) (string, error) {
	plaintext, err := s.vault.Decrypt(entry.ValueEnc, entry.ValueIV, entry.ValueTag)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RunSweeper proactively refreshes entries entering the skew window so
// traffic rarely pays the refresh latency. Blocks until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	entries, err := s.store.ListTokensExpiringBefore(ctx, now.Add(s.cfg.RefreshSkew))
	if err != nil {
		s.log.Error().Err(err).Msg("token sweep failed to list entries")
		return
	}
	for _, entry := range entries {
		if entry.TokenType == model.TokenRefresh {
			continue
		}
		adapter, err := s.store.GetAdapter(ctx, entry.AdapterID)
		if err == storage.ErrNotFound {
			// Orphaned cache rows of a removed adapter.
			if err := s.store.DeleteTokensForAdapter(ctx, entry.AdapterID); err != nil {
				s.log.Error().Err(err).Str("adapter_id", entry.AdapterID).Msg("failed to evict orphaned tokens")
			}
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("adapter_id", entry.AdapterID).Msg("token sweep adapter lookup failed")
			continue
		}

		claimed, err := s.store.ClaimTokenRefresh(ctx, entry.ID, entry.Version, now, now.Add(-s.cfg.StuckThreshold))
		if err != nil || !claimed {
			continue
		}
		if _, err := s.performRefresh(ctx, adapter, entry); err != nil {
			s.log.Warn().Err(err).Str("adapter_id", adapter.ID).Msg("proactive token refresh failed")
		}
	}
}
