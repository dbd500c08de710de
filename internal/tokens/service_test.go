package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/metrics"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/vault"
)

func newTokenFixture(t *testing.T, cfg Config) (*Service, storage.Gateway, *vault.Secrets) {
	t.Helper()
	store := storage.NewMemory()
	v := vault.New(store)
	ctx := context.Background()
	_, err := v.Initialize(ctx, "correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, v.Unlock(ctx, "correct horse battery staple"))
	secrets := vault.NewSecrets(v, store)
	m := metrics.NewWith(prometheus.NewRegistry())
	return NewService(store, v, secrets, m, cfg), store, secrets
}

func makeAdapter(t *testing.T, store storage.Gateway, secrets *vault.Secrets, kind model.AdapterKind, it model.IntegrationType, payload map[string]interface{}, config map[string]interface{}) *model.AuthAdapter {
	t.Helper()
	ctx := context.Background()
	sec, err := secrets.Create(ctx, "cred-"+string(kind), it, payload)
	require.NoError(t, err)
	adapter := &model.AuthAdapter{
		ID:       "adp-" + string(kind),
		Name:     "test " + string(kind),
		Kind:     kind,
		SecretID: sec.ID,
		Config:   config,
	}
	require.NoError(t, store.CreateAdapter(ctx, adapter))
	return adapter
}

func oauthServer(t *testing.T, calls *int64, delay time.Duration, respond func(r *http.Request) (int, map[string]interface{})) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		atomic.AddInt64(calls, 1)
		if delay > 0 {
			time.Sleep(delay)
		}
		status, body := respond(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
}

func TestAccessTokenAcquiresOnceThenServesFromCache(t *testing.T) {
	svc, _, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var calls int64
	srv := oauthServer(t, &calls, 0, func(r *http.Request) (int, map[string]interface{}) {
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid-1", r.PostForm.Get("client_id"))
		return http.StatusOK, map[string]interface{}{"access_token": "tok-1", "expires_in": 3600}
	})
	defer srv.Close()

	adapter := makeAdapter(t, svc.store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid-1", "clientSecret": "shh", "tokenUrl": srv.URL}, nil)

	got, err := svc.AccessToken(ctx, adapter, "read:orders")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// Second call is a cache hit, no upstream traffic.
	got, err = svc.AccessToken(ctx, adapter, "read:orders")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	// A different scope is a different cache row and its own grant.
	_, err = svc.AccessToken(ctx, adapter, "write:orders")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestConcurrentCallersProduceExactlyOneGrant(t *testing.T) {
	svc, _, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var calls int64
	srv := oauthServer(t, &calls, 50*time.Millisecond, func(r *http.Request) (int, map[string]interface{}) {
		return http.StatusOK, map[string]interface{}{"access_token": "tok-race", "expires_in": 3600}
	})
	defer srv.Close()

	adapter := makeAdapter(t, svc.store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": srv.URL}, nil)

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.AccessToken(ctx, adapter, "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-race", results[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "refresh storm must collapse into one upstream request")
}

func TestFailedRefreshLeavesVersionUntouched(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var failing int64 = 1
	var calls int64
	srv := oauthServer(t, &calls, 0, func(r *http.Request) (int, map[string]interface{}) {
		if atomic.LoadInt64(&failing) == 1 {
			return http.StatusServiceUnavailable, map[string]interface{}{"error": "maintenance"}
		}
		return http.StatusOK, map[string]interface{}{"access_token": "tok-2", "expires_in": 3600}
	})
	defer srv.Close()

	adapter := makeAdapter(t, store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": srv.URL}, nil)

	_, err := svc.AccessToken(ctx, adapter, "")
	require.Error(t, err)
	assert.Equal(t, fault.KindConnection, fault.KindOf(err))

	entry, err := store.GetToken(ctx, adapter.ID, model.TokenAccess, "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, entry.Version, "a failed refresh must not advance the version")
	assert.False(t, entry.RefreshInFlight, "the claim must be released")
	assert.NotEmpty(t, entry.LastRefreshError)

	// Upstream recovers, next caller refreshes through the same row.
	atomic.StoreInt64(&failing, 0)
	got, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", got)

	entry, err = store.GetToken(ctx, adapter.ID, model.TokenAccess, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry.Version)
	assert.Empty(t, entry.LastRefreshError)
}

func TestStuckClaimIsReclaimed(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var calls int64
	srv := oauthServer(t, &calls, 0, func(r *http.Request) (int, map[string]interface{}) {
		return http.StatusOK, map[string]interface{}{"access_token": "tok-reclaimed", "expires_in": 3600}
	})
	defer srv.Close()

	adapter := makeAdapter(t, store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": srv.URL}, nil)

	// A claimant died two minutes ago, past the one minute stuck threshold.
	now := time.Now().UTC()
	stale := now.Add(-2 * time.Minute)
	require.NoError(t, store.InsertToken(ctx, &model.TokenEntry{
		ID:               "tok-row-1",
		AdapterID:        adapter.ID,
		TokenType:        model.TokenAccess,
		IssuedAt:         stale,
		ExpiresAt:        now.Add(-time.Minute),
		RefreshInFlight:  true,
		RefreshStartedAt: &stale,
		Version:          4,
		UpdatedAt:        stale,
	}))

	got, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	assert.Equal(t, "tok-reclaimed", got)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))

	entry, err := store.GetToken(ctx, adapter.ID, model.TokenAccess, "")
	require.NoError(t, err)
	assert.EqualValues(t, 5, entry.Version)
	assert.False(t, entry.RefreshInFlight)
}

func TestWaiterGivesUpOnHungRefresh(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{
		WaitBound:      300 * time.Millisecond,
		StuckThreshold: time.Hour,
	})
	ctx := context.Background()

	adapter := makeAdapter(t, store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": "http://127.0.0.1:1/token"}, nil)

	// A live claimant that never completes: heartbeat is fresh, so no reclaim.
	now := time.Now().UTC()
	require.NoError(t, store.InsertToken(ctx, &model.TokenEntry{
		ID:               "tok-row-hung",
		AdapterID:        adapter.ID,
		TokenType:        model.TokenAccess,
		IssuedAt:         now,
		ExpiresAt:        now.Add(-time.Second),
		RefreshInFlight:  true,
		RefreshStartedAt: &now,
		Version:          2,
		UpdatedAt:        now,
	}))

	start := time.Now()
	_, err := svc.AccessToken(ctx, adapter, "")
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestRefreshTokenRotationFeedsNextGrant(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	var calls int64
	srv := oauthServer(t, &calls, 0, func(r *http.Request) (int, map[string]interface{}) {
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		mu.Lock()
		seen = append(seen, r.PostForm.Get("refresh_token"))
		n := len(seen)
		mu.Unlock()
		// expires_in of one second keeps the access token inside the skew
		// window, forcing a refresh on every call.
		return http.StatusOK, map[string]interface{}{
			"access_token":  "acc",
			"refresh_token": fmt.Sprintf("rot-%d", n),
			"expires_in":    1,
		}
	})
	defer srv.Close()

	adapter := makeAdapter(t, store, secrets, model.AdapterOAuth2RefreshToken, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": srv.URL, "refreshToken": "seed-token"}, nil)

	_, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	_, err = svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "seed-token", seen[0], "first grant uses the seed refresh token from the secret")
	assert.Equal(t, "rot-1", seen[1], "second grant uses the rotated refresh token")

	row, err := store.GetToken(ctx, adapter.ID, model.TokenRefresh, "")
	require.NoError(t, err)
	assert.NotEmpty(t, row.ValueEnc)
}

func TestJWTAdapterMintsVerifiableToken(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	signingKey := "0123456789abcdef0123456789abcdef"
	adapter := makeAdapter(t, store, secrets, model.AdapterJWT, model.IntegrationJWT,
		map[string]interface{}{"signingKey": signingKey, "algorithm": "HS256"},
		map[string]interface{}{"issuer": "trellis", "subject": "flow-7", "jwtExpiresIn": 120})

	raw, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (interface{}, error) {
		return []byte(signingKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "trellis", claims["iss"])
	assert.Equal(t, "flow-7", claims["sub"])
	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), exp.Time, 5*time.Second)
}

func TestCookieAdapterCapturesNamedCookie(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		require.Equal(t, "portal-user", creds["username"])
		require.Equal(t, "hunter2", creds["password"])
		http.SetCookie(w, &http.Cookie{Name: "crumb", Value: "x"})
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "s3cr3t"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adapter := makeAdapter(t, store, secrets, model.AdapterCookie, model.IntegrationCookie,
		map[string]interface{}{"loginUrl": srv.URL, "username": "portal-user", "password": "hunter2"},
		map[string]interface{}{"cookieName": "sid", "sessionTtlSeconds": 60})

	got, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	assert.Equal(t, "sid=s3cr3t", got)

	// Cookie adapters cache under the session flavor.
	_, err = store.GetToken(ctx, adapter.ID, model.TokenSession, "")
	require.NoError(t, err)
}

func TestAPIKeyAdapterServesStaticKey(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	adapter := makeAdapter(t, store, secrets, model.AdapterAPIKey, model.IntegrationAPIKey,
		map[string]interface{}{"apiKey": "ak-123"}, nil)

	got, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	assert.Equal(t, "ak-123", got)

	entry, err := store.GetToken(ctx, adapter.ID, model.TokenAccess, "")
	require.NoError(t, err)
	assert.True(t, entry.ExpiresAt.After(time.Now().AddDate(5, 0, 0)), "static keys get a far future expiry")
}

func TestInvalidateForcesReacquisition(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var calls int64
	srv := oauthServer(t, &calls, 0, func(r *http.Request) (int, map[string]interface{}) {
		return http.StatusOK, map[string]interface{}{"access_token": "tok", "expires_in": 3600}
	})
	defer srv.Close()

	adapter := makeAdapter(t, store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": srv.URL}, nil)

	_, err := svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	require.NoError(t, svc.Invalidate(ctx, adapter.ID))

	_, err = store.GetToken(ctx, adapter.ID, model.TokenAccess, "")
	assert.Equal(t, storage.ErrNotFound, err)

	_, err = svc.AccessToken(ctx, adapter, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestSweepRefreshesExpiringEntries(t *testing.T) {
	svc, store, secrets := newTokenFixture(t, Config{})
	ctx := context.Background()

	var calls int64
	srv := oauthServer(t, &calls, 0, func(r *http.Request) (int, map[string]interface{}) {
		return http.StatusOK, map[string]interface{}{"access_token": "tok-swept", "expires_in": 3600}
	})
	defer srv.Close()

	adapter := makeAdapter(t, store, secrets, model.AdapterOAuth2ClientCredentials, model.IntegrationOAuth2,
		map[string]interface{}{"clientId": "cid", "clientSecret": "shh", "tokenUrl": srv.URL}, nil)

	// A live token entering the skew window.
	now := time.Now().UTC()
	require.NoError(t, store.InsertToken(ctx, &model.TokenEntry{
		ID:        "tok-row-sweep",
		AdapterID: adapter.ID,
		TokenType: model.TokenAccess,
		ValueEnc:  "stale",
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(2 * time.Second),
		UpdatedAt: now,
	}))

	svc.sweepOnce(ctx)

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	entry, err := store.GetToken(ctx, adapter.ID, model.TokenAccess, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, entry.Version)
	plain, err := svc.decryptValue(entry)
	require.NoError(t, err)
	assert.Equal(t, "tok-swept", plain)
}

func TestSweepEvictsTokensOfRemovedAdapters(t *testing.T) {
	svc, store, _ := newTokenFixture(t, Config{})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.InsertToken(ctx, &model.TokenEntry{
		ID:        "tok-row-ghost",
		AdapterID: "ghost-adapter",
		TokenType: model.TokenAccess,
		ValueEnc:  "whatever",
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
		UpdatedAt: now,
	}))

	svc.sweepOnce(ctx)

	_, err := store.GetToken(ctx, "ghost-adapter", model.TokenAccess, "")
	assert.Equal(t, storage.ErrNotFound, err)
}
