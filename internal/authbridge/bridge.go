// Package authbridge enforces inbound auth policies and verifies the
// credentials that adapters describe. The outbound half, placing credentials
// on egress requests, lives in placement.go.
package authbridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
	"github.com/trellisflow/trellis/internal/vault"
)

// OverrideHeader lets a caller pick one adapter among the ones a policy
// allows.
const OverrideHeader = "X-Auth-Adapter-ID"

// Principal identifies a successfully authenticated caller.
type Principal struct {
	AdapterID string
	Kind      model.AdapterKind
	Subject   string
}

type principalKey struct{}

// WithPrincipal attaches the principal to the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom reads back the principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// Bridge resolves inbound policies and validates credentials against the
// adapters they reference.
type Bridge struct {
	store   storage.Gateway
	vault   *vault.Vault
	secrets *vault.Secrets
	client  *http.Client
	log     zerolog.Logger
}

func NewBridge(store storage.Gateway, v *vault.Vault, secrets *vault.Secrets) *Bridge {
	return &Bridge{
		store:   store,
		vault:   v,
		secrets: secrets,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logging.WithComponent("authbridge"),
	}
}

// ResolvePolicy finds the policy governing a route. Patterns are path
// prefixes; the store hands them back longest first, so the first hit is the
// most specific. A nil policy means the route is ungoverned.
func (b *Bridge) ResolvePolicy(ctx context.Context, path, method string) (*model.InboundAuthPolicy, error) {
	policies, err := b.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if !strings.HasPrefix(path, p.RoutePattern) {
			continue
		}
		if p.Method != "" && !strings.EqualFold(p.Method, method) {
			continue
		}
		return p, nil
	}
	return nil, nil
}

// Authenticate checks the request against the policy. Bypass and ungoverned
// routes pass with a nil principal; optional swallows failures; required
// turns them into auth faults.
func (b *Bridge) Authenticate(ctx context.Context, r *http.Request, policy *model.InboundAuthPolicy) (*Principal, error) {
	if policy == nil || policy.Enforcement == model.EnforceBypass {
		return nil, nil
	}

	adapterIDs := policy.AdapterIDs
	if override := r.Header.Get(OverrideHeader); override != "" {
		if !containsString(adapterIDs, override) {
			if policy.Enforcement == model.EnforceRequired {
				return nil, fault.New(fault.KindAuth, "adapter %q is not permitted on this route", override)
			}
			return nil, nil
		}
		adapterIDs = []string{override}
	}

	var lastErr error
	for _, id := range adapterIDs {
		adapter, err := b.store.GetAdapter(ctx, id)
		if err == storage.ErrNotFound {
			b.log.Warn().Str("adapter_id", id).Str("policy_id", policy.ID).Msg("policy references missing adapter")
			continue
		}
		if err != nil {
			return nil, err
		}
		credential, err := ExtractCredential(r, adapter)
		if err != nil {
			lastErr = err
			continue
		}
		principal, err := b.verify(ctx, adapter, credential)
		if err != nil {
			lastErr = err
			continue
		}
		return principal, nil
	}

	if policy.Enforcement == model.EnforceOptional {
		return nil, nil
	}
	if lastErr == nil {
		lastErr = fault.New(fault.KindAuth, "no credentials presented")
	}
	return nil, fault.Wrap(fault.KindAuth, lastErr)
}

func (b *Bridge) verify(ctx context.Context, adapter *model.AuthAdapter, credential string) (*Principal, error) {
	switch adapter.Kind {
	case model.AdapterJWT:
		return b.verifyJWT(ctx, adapter, credential)
	case model.AdapterOAuth2ClientCredentials, model.AdapterOAuth2RefreshToken:
		return b.introspect(ctx, adapter, credential)
	case model.AdapterCookie:
		return b.verifySession(ctx, adapter, credential)
	case model.AdapterAPIKey:
		return b.verifyAPIKey(ctx, adapter, credential)
	}
	return nil, fault.New(fault.KindValidation, "adapter kind %q cannot verify inbound credentials", adapter.Kind)
}

func (b *Bridge) verifyJWT(ctx context.Context, adapter *model.AuthAdapter, credential string) (*Principal, error) {
	payload, err := b.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	signingKey := payloadString(payload, "signingKey")
	algorithm := strings.ToUpper(payloadString(payload, "algorithm"))
	if algorithm == "" {
		algorithm = strings.ToUpper(adapter.ConfigString("algorithm"))
	}

	var key interface{}
	switch algorithm {
	case "HS256", "HS512":
		key = []byte(signingKey)
	case "RS256", "RS512":
		if pem := payloadString(payload, "publicKey"); pem != "" {
			pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
			if err != nil {
				return nil, fault.New(fault.KindValidation, "adapter %q public key is not a valid RSA PEM: %v", adapter.Name, err)
			}
			key = pub
		} else {
			priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(signingKey))
			if err != nil {
				return nil, fault.New(fault.KindValidation, "adapter %q signing key is not a valid RSA PEM: %v", adapter.Name, err)
			}
			key = &priv.PublicKey
		}
	default:
		return nil, fault.New(fault.KindValidation, "unsupported JWT algorithm %q", algorithm)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{algorithm})}
	if iss := adapter.ConfigString("issuer"); iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := adapter.ConfigString("audience"); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}

	parsed, err := jwt.Parse(credential, func(*jwt.Token) (interface{}, error) { return key, nil }, opts...)
	if err != nil {
		return nil, fault.New(fault.KindAuth, "JWT rejected: %v", err)
	}
	subject, _ := parsed.Claims.GetSubject()
	return &Principal{AdapterID: adapter.ID, Kind: adapter.Kind, Subject: subject}, nil
}

// introspectionReply is the RFC 7662 response shape.
type introspectionReply struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub"`
	Username string `json:"username"`
	ClientID string `json:"client_id"`
}

func (b *Bridge) introspect(ctx context.Context, adapter *model.AuthAdapter, credential string) (*Principal, error) {
	endpoint := adapter.ConfigString("introspectionUrl")
	payload, err := b.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	if endpoint == "" {
		endpoint = payloadString(payload, "introspectionUrl")
	}
	if endpoint == "" {
		return nil, fault.New(fault.KindValidation, "adapter %q has no introspection URL", adapter.Name)
	}

	form := url.Values{}
	form.Set("token", credential)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.New(fault.KindValidation, "bad introspection URL: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(payloadString(payload, "clientId"), payloadString(payload, "clientSecret"))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fault.FromTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fault.FromStatus(resp.StatusCode, string(body))
	}

	var reply introspectionReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fault.New(fault.KindAuth, "introspection endpoint returned malformed JSON: %v", err)
	}
	if !reply.Active {
		return nil, fault.New(fault.KindAuth, "token is not active")
	}
	subject := reply.Subject
	if subject == "" {
		subject = reply.Username
	}
	if subject == "" {
		subject = reply.ClientID
	}
	return &Principal{AdapterID: adapter.ID, Kind: adapter.Kind, Subject: subject}, nil
}

// verifySession compares the presented cookie with the session the token
// service captured at login.
func (b *Bridge) verifySession(ctx context.Context, adapter *model.AuthAdapter, credential string) (*Principal, error) {
	row, err := b.store.GetToken(ctx, adapter.ID, model.TokenSession, "")
	if err == storage.ErrNotFound {
		return nil, fault.New(fault.KindAuth, "no active session for adapter %q", adapter.Name)
	}
	if err != nil {
		return nil, err
	}
	if row.ExpiringWithin(0, time.Now().UTC()) {
		return nil, fault.New(fault.KindAuth, "session for adapter %q has expired", adapter.Name)
	}
	plain, err := b.vault.Decrypt(row.ValueEnc, row.ValueIV, row.ValueTag)
	if err != nil {
		return nil, err
	}
	// Sessions are cached as name=value; the inbound cookie carries just the
	// value.
	want := string(plain)
	if _, v, found := strings.Cut(want, "="); found {
		want = v
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(want)) != 1 {
		return nil, fault.New(fault.KindAuth, "session cookie does not match")
	}
	return &Principal{AdapterID: adapter.ID, Kind: adapter.Kind, Subject: adapter.Name}, nil
}

func (b *Bridge) verifyAPIKey(ctx context.Context, adapter *model.AuthAdapter, credential string) (*Principal, error) {
	want, err := b.secrets.Field(ctx, adapter.SecretID, "apiKey")
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(want)) != 1 {
		return nil, fault.New(fault.KindAuth, "API key does not match")
	}
	return &Principal{AdapterID: adapter.ID, Kind: adapter.Kind, Subject: adapter.Name}, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func payloadString(payload map[string]interface{}, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
