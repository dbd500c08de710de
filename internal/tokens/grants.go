package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
	"github.com/trellisflow/trellis/internal/storage"
)

// issued is the outcome of one grant against an upstream identity provider.
type issued struct {
	value        string
	refreshValue string // non-empty when the provider rotated the refresh token
	issuedAt     time.Time
	expiresAt    time.Time
}

// grant dispatches on the adapter kind. Every path returns a classified error
// so the orchestrator can decide about retries.
func (s *Service) grant(ctx context.Context, adapter *model.AuthAdapter, scope string) (*issued, error) {
	switch adapter.Kind {
	case model.AdapterOAuth2ClientCredentials:
		return s.grantClientCredentials(ctx, adapter, scope)
	case model.AdapterOAuth2RefreshToken:
		return s.grantRefreshToken(ctx, adapter)
	case model.AdapterJWT:
		return s.mintJWT(ctx, adapter)
	case model.AdapterCookie:
		return s.loginSession(ctx, adapter)
	case model.AdapterAPIKey:
		return s.staticAPIKey(ctx, adapter)
	}
	return nil, fault.New(fault.KindValidation, "adapter kind %q cannot issue tokens", adapter.Kind)
}

// oauthResponse is the token endpoint reply shape (RFC 6749 §5.1).
type oauthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Service) grantClientCredentials(ctx context.Context, adapter *model.AuthAdapter, scope string) (*issued, error) {
	payload, err := s.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	tokenURL := stringField(payload, "tokenUrl")
	if tokenURL == "" {
		tokenURL = adapter.ConfigString("tokenUrl")
	}
	if tokenURL == "" {
		return nil, fault.New(fault.KindValidation, "adapter %q has no token URL", adapter.Name)
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", stringField(payload, "clientId"))
	form.Set("client_secret", stringField(payload, "clientSecret"))
	if scope != "" {
		form.Set("scope", scope)
	} else if s := adapter.ConfigString("scope"); s != "" {
		form.Set("scope", s)
	}
	if aud := adapter.ConfigString("audience"); aud != "" {
		form.Set("audience", aud)
	}

	return s.postTokenForm(ctx, tokenURL, form)
}

func (s *Service) grantRefreshToken(ctx context.Context, adapter *model.AuthAdapter) (*issued, error) {
	payload, err := s.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	tokenURL := stringField(payload, "tokenUrl")
	if tokenURL == "" {
		tokenURL = adapter.ConfigString("tokenUrl")
	}
	if tokenURL == "" {
		return nil, fault.New(fault.KindValidation, "adapter %q has no token URL", adapter.Name)
	}

	// The newest rotated refresh token wins over the seed value in the secret.
	refreshToken := ""
	if row, err := s.store.GetToken(ctx, adapter.ID, model.TokenRefresh, ""); err == nil && row.ValueEnc != "" {
		if plain, err := s.vault.Decrypt(row.ValueEnc, row.ValueIV, row.ValueTag); err == nil {
			refreshToken = string(plain)
		}
	} else if err != nil && err != storage.ErrNotFound {
		return nil, err
	}
	if refreshToken == "" {
		refreshToken = stringField(payload, "refreshToken")
	}
	if refreshToken == "" {
		return nil, fault.New(fault.KindAuth, "adapter %q has no refresh token on file", adapter.Name)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", stringField(payload, "clientId"))
	form.Set("client_secret", stringField(payload, "clientSecret"))

	return s.postTokenForm(ctx, tokenURL, form)
}

func (s *Service) postTokenForm(ctx context.Context, tokenURL string, form url.Values) (*issued, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fault.New(fault.KindValidation, "bad token URL: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.FromTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		return nil, fault.FromStatus(resp.StatusCode, string(body))
	}

	var tr oauthResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fault.New(fault.KindAuth, "token endpoint returned malformed JSON: %v", err)
	}
	if tr.AccessToken == "" {
		return nil, fault.New(fault.KindAuth, "token endpoint returned no access_token")
	}

	now := time.Now().UTC()
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &issued{
		value:        tr.AccessToken,
		refreshValue: tr.RefreshToken,
		issuedAt:     now,
		expiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// mintJWT signs a token locally from the adapter's signing material. No
// upstream round trip.
func (s *Service) mintJWT(ctx context.Context, adapter *model.AuthAdapter) (*issued, error) {
	payload, err := s.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	signingKey := stringField(payload, "signingKey")
	algorithm := strings.ToUpper(stringField(payload, "algorithm"))
	if algorithm == "" {
		algorithm = strings.ToUpper(adapter.ConfigString("algorithm"))
	}

	expiresIn := adapter.ConfigInt("jwtExpiresIn", 3600)
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(expiresIn) * time.Second).Unix(),
	}
	if iss := adapter.ConfigString("issuer"); iss != "" {
		claims["iss"] = iss
	}
	if aud := adapter.ConfigString("audience"); aud != "" {
		claims["aud"] = aud
	}
	if sub := adapter.ConfigString("subject"); sub != "" {
		claims["sub"] = sub
	}

	var method jwt.SigningMethod
	var key interface{}
	switch algorithm {
	case "HS256":
		method, key = jwt.SigningMethodHS256, []byte(signingKey)
	case "HS512":
		method, key = jwt.SigningMethodHS512, []byte(signingKey)
	case "RS256", "RS512":
		rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(signingKey))
		if err != nil {
			return nil, fault.New(fault.KindValidation, "adapter %q signing key is not a valid RSA PEM: %v", adapter.Name, err)
		}
		if algorithm == "RS256" {
			method = jwt.SigningMethodRS256
		} else {
			method = jwt.SigningMethodRS512
		}
		key = rsaKey
	default:
		return nil, fault.New(fault.KindValidation, "unsupported JWT algorithm %q", algorithm)
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return nil, fault.New(fault.KindSystem, "failed to sign JWT: %v", err)
	}
	return &issued{
		value:     signed,
		issuedAt:  now,
		expiresAt: now.Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// loginSession performs a credential login and captures the session, either
// from a Set-Cookie header or a JSON body field.
func (s *Service) loginSession(ctx context.Context, adapter *model.AuthAdapter) (*issued, error) {
	payload, err := s.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	loginURL := stringField(payload, "loginUrl")
	if loginURL == "" {
		loginURL = adapter.ConfigString("loginUrl")
	}
	if loginURL == "" {
		return nil, fault.New(fault.KindValidation, "adapter %q has no login URL", adapter.Name)
	}

	var req *http.Request
	if strings.EqualFold(adapter.ConfigString("bodyFormat"), "form") {
		form := url.Values{}
		form.Set("username", stringField(payload, "username"))
		form.Set("password", stringField(payload, "password"))
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		body, _ := json.Marshal(map[string]string{
			"username": stringField(payload, "username"),
			"password": stringField(payload, "password"),
		})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(string(body)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fault.New(fault.KindValidation, "bad login URL: %v", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.FromTransport(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.FromStatus(resp.StatusCode, string(body))
	}

	now := time.Now().UTC()
	ttl := time.Duration(adapter.ConfigInt("sessionTtlSeconds", 1800)) * time.Second

	if field := adapter.ConfigString("sessionField"); field != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fault.New(fault.KindAuth, "login response is not JSON: %v", err)
		}
		session := stringField(parsed, field)
		if session == "" {
			return nil, fault.New(fault.KindAuth, "login response has no %q field", field)
		}
		return &issued{value: session, issuedAt: now, expiresAt: now.Add(ttl)}, nil
	}

	cookieName := adapter.ConfigString("cookieName")
	for _, c := range resp.Cookies() {
		if cookieName == "" || c.Name == cookieName {
			expires := now.Add(ttl)
			if !c.Expires.IsZero() && c.Expires.After(now) {
				expires = c.Expires.UTC()
			}
			return &issued{value: c.Name + "=" + c.Value, issuedAt: now, expiresAt: expires}, nil
		}
	}
	return nil, fault.New(fault.KindAuth, "login response carried no session cookie")
}

// staticAPIKey serves the key straight from the secret. The far-future expiry
// keeps it out of the sweeper's way.
func (s *Service) staticAPIKey(ctx context.Context, adapter *model.AuthAdapter) (*issued, error) {
	payload, err := s.secrets.Reveal(ctx, adapter.SecretID)
	if err != nil {
		return nil, err
	}
	key := stringField(payload, "apiKey")
	if key == "" {
		return nil, fault.New(fault.KindValidation, "adapter %q secret has no apiKey field", adapter.Name)
	}
	now := time.Now().UTC()
	return &issued{value: key, issuedAt: now, expiresAt: now.AddDate(10, 0, 0)}, nil
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
