package authbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// Placement names where a credential travels in a request.
type Placement string

const (
	PlacementHeader Placement = "header"
	PlacementCookie Placement = "cookie"
	PlacementQuery  Placement = "query"
	PlacementBody   Placement = "body"
)

// PlacementOf resolves the adapter's placement, defaulting by kind: cookies
// ride in cookies, everything else in a header.
func PlacementOf(adapter *model.AuthAdapter) Placement {
	if p := adapter.ConfigString("placement"); p != "" {
		return Placement(strings.ToLower(p))
	}
	if adapter.Kind == model.AdapterCookie {
		return PlacementCookie
	}
	return PlacementHeader
}

// headerSpec resolves the header name and value prefix. Authorization gets a
// Bearer prefix unless the config says otherwise; API keys default to
// X-API-Key with no prefix.
func headerSpec(adapter *model.AuthAdapter) (name, prefix string) {
	name = adapter.ConfigString("headerName")
	if name == "" {
		if adapter.Kind == model.AdapterAPIKey {
			name = "X-API-Key"
		} else {
			name = "Authorization"
		}
	}
	if adapter.ConfigHas("headerPrefix") {
		return name, adapter.ConfigString("headerPrefix")
	}
	if http.CanonicalHeaderKey(name) == "Authorization" {
		return name, "Bearer "
	}
	return name, ""
}

func cookieNameOf(adapter *model.AuthAdapter) string {
	if name := adapter.ConfigString("cookieName"); name != "" {
		return name
	}
	return "session"
}

// ExtractCredential pulls the inbound credential per the adapter's placement.
// Body extraction restores the request body for downstream handlers.
func ExtractCredential(r *http.Request, adapter *model.AuthAdapter) (string, error) {
	switch PlacementOf(adapter) {
	case PlacementHeader:
		name, prefix := headerSpec(adapter)
		raw := r.Header.Get(name)
		if raw == "" {
			return "", fault.New(fault.KindAuth, "request carries no %s header", name)
		}
		if prefix != "" {
			if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
				return "", fault.New(fault.KindAuth, "%s header does not start with %q", name, strings.TrimSpace(prefix))
			}
			raw = strings.TrimSpace(raw[len(prefix):])
		}
		return raw, nil

	case PlacementCookie:
		c, err := r.Cookie(cookieNameOf(adapter))
		if err != nil {
			return "", fault.New(fault.KindAuth, "request carries no %q cookie", cookieNameOf(adapter))
		}
		return c.Value, nil

	case PlacementQuery:
		param := adapter.ConfigString("queryParam")
		if param == "" {
			param = "access_token"
		}
		v := r.URL.Query().Get(param)
		if v == "" {
			return "", fault.New(fault.KindAuth, "request carries no %q query parameter", param)
		}
		return v, nil

	case PlacementBody:
		field := adapter.ConfigString("bodyField")
		if field == "" {
			field = "token"
		}
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return "", fault.Wrap(fault.KindValidation, err)
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		var parsed map[string]interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", fault.New(fault.KindValidation, "request body is not JSON: %v", err)
		}
		v := payloadString(parsed, field)
		if v == "" {
			return "", fault.New(fault.KindAuth, "request body carries no %q field", field)
		}
		return v, nil
	}
	return "", fault.New(fault.KindValidation, "unknown credential placement %q", PlacementOf(adapter))
}

// Place sets the credential on an outbound request. Body placement happens
// during payload construction, see PlaceInBody.
func Place(req *http.Request, adapter *model.AuthAdapter, value string) error {
	switch PlacementOf(adapter) {
	case PlacementHeader:
		name, prefix := headerSpec(adapter)
		req.Header.Set(name, prefix+value)
		return nil

	case PlacementCookie:
		name, v := cookiePair(adapter, value)
		req.AddCookie(&http.Cookie{Name: name, Value: v})
		return nil

	case PlacementQuery:
		param := adapter.ConfigString("queryParam")
		if param == "" {
			param = "access_token"
		}
		q := req.URL.Query()
		q.Set(param, value)
		req.URL.RawQuery = q.Encode()
		return nil

	case PlacementBody:
		return fault.New(fault.KindValidation, "body placement applies to the payload, not the request")
	}
	return fault.New(fault.KindValidation, "unknown credential placement %q", PlacementOf(adapter))
}

// PlaceInBody sets the credential as a field of an outbound JSON payload.
func PlaceInBody(payload map[string]interface{}, adapter *model.AuthAdapter, value string) error {
	if PlacementOf(adapter) != PlacementBody {
		return fault.New(fault.KindValidation, "adapter %q does not use body placement", adapter.Name)
	}
	field := adapter.ConfigString("bodyField")
	if field == "" {
		field = "token"
	}
	if payload == nil {
		return fault.New(fault.KindValidation, "cannot place credential in a nil payload")
	}
	payload[field] = value
	return nil
}

// cookiePair splits a cached name=value session, falling back to the
// configured cookie name for bare values.
func cookiePair(adapter *model.AuthAdapter, value string) (string, string) {
	if name, v, found := strings.Cut(value, "="); found && name != "" && !strings.ContainsAny(name, " ;") {
		return name, v
	}
	return cookieNameOf(adapter), value
}

// Describe renders the placement for logs and error reports.
func Describe(adapter *model.AuthAdapter) string {
	switch p := PlacementOf(adapter); p {
	case PlacementHeader:
		name, _ := headerSpec(adapter)
		return fmt.Sprintf("header %s", name)
	case PlacementCookie:
		return fmt.Sprintf("cookie %s", cookieNameOf(adapter))
	case PlacementQuery:
		param := adapter.ConfigString("queryParam")
		if param == "" {
			param = "access_token"
		}
		return fmt.Sprintf("query %s", param)
	default:
		return string(p)
	}
}
