package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/trellisflow/trellis/internal/authbridge"
	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// maxResponseBytes bounds how much of a connector response is read.
const maxResponseBytes = 4 << 20

// execHTTPSource fetches a remote resource with GET.
//
// Config: url (required), headers, authAdapterId, scope.
func execHTTPSource(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedHTTPSource(node), nil
	}

	target := node.ConfigString("url")
	if target == "" {
		return nil, fault.New(fault.KindValidation, "http-source node %s has no url", node.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	applyHeaders(req, node)

	if err := authenticate(ctx, req, node, env); err != nil {
		return nil, err
	}
	return doWithBreaker(ctx, req, env)
}

// execHTTPDestination delivers the payload to a remote endpoint.
//
// Config: url (required), method POST/PUT/PATCH/DELETE (default POST),
// headers, encoding json|form (default json), body (static override of the
// input payload), authAdapterId, scope. 429 responses surface their
// Retry-After so the retry loop can honor it.
func execHTTPDestination(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedHTTPDestination(node), nil
	}

	target := node.ConfigString("url")
	if target == "" {
		return nil, fault.New(fault.KindValidation, "http-destination node %s has no url", node.ID)
	}

	method := strings.ToUpper(node.ConfigString("method"))
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, fault.New(fault.KindValidation, "http-destination node %s has unsupported method %q", node.ID, method)
	}

	body := map[string]interface{}(input)
	if static, ok := node.Config["body"].(map[string]interface{}); ok {
		body = static
	}

	req, err := buildBodyRequest(ctx, method, target, node, body, env)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, node)

	return doWithBreaker(ctx, req, env)
}

// buildBodyRequest encodes the body per config and attaches credentials,
// including body-placement adapters that inject into the payload itself.
func buildBodyRequest(ctx context.Context, method, target string, node model.Node, body map[string]interface{}, env ExecContext) (*http.Request, error) {
	adapter, err := adapterFor(ctx, node, env)
	if err != nil {
		return nil, err
	}

	if adapter != nil && authbridge.PlacementOf(adapter) == authbridge.PlacementBody {
		token, err := env.Deps.Tokens.AccessToken(ctx, adapter, node.ConfigString("scope"))
		if err != nil {
			return nil, err
		}
		injected := make(map[string]interface{}, len(body)+1)
		for k, v := range body {
			injected[k] = v
		}
		if err := authbridge.PlaceInBody(injected, adapter, token); err != nil {
			return nil, err
		}
		body = injected
		adapter = nil // placed, nothing left for the request itself
	}

	var reader io.Reader
	var contentType string
	if strings.EqualFold(node.ConfigString("encoding"), "form") {
		form := url.Values{}
		for k, v := range body {
			form.Set(k, expr.Stringify(v))
		}
		reader = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransformation, err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	req.Header.Set("Content-Type", contentType)

	if adapter != nil {
		token, err := env.Deps.Tokens.AccessToken(ctx, adapter, node.ConfigString("scope"))
		if err != nil {
			return nil, err
		}
		if err := authbridge.Place(req, adapter, token); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// authenticate attaches the node's outbound credential to a bodyless request.
func authenticate(ctx context.Context, req *http.Request, node model.Node, env ExecContext) error {
	adapter, err := adapterFor(ctx, node, env)
	if err != nil || adapter == nil {
		return err
	}
	token, err := env.Deps.Tokens.AccessToken(ctx, adapter, node.ConfigString("scope"))
	if err != nil {
		return err
	}
	return authbridge.Place(req, adapter, token)
}

// adapterFor loads the node's auth adapter, nil when the node is
// unauthenticated.
func adapterFor(ctx context.Context, node model.Node, env ExecContext) (*model.AuthAdapter, error) {
	id := node.ConfigString("authAdapterId")
	if id == "" {
		return nil, nil
	}
	adapter, err := env.Deps.Store.GetAdapter(ctx, id)
	if err != nil {
		return nil, fault.New(fault.KindAuth, "auth adapter %s: %v", id, err)
	}
	return adapter, nil
}

// applyHeaders copies configured headers onto the request.
func applyHeaders(req *http.Request, node model.Node) {
	headers, ok := node.Config["headers"].(map[string]interface{})
	if !ok {
		return
	}
	for k, v := range headers {
		req.Header.Set(k, expr.Stringify(v))
	}
}

// doWithBreaker runs the request through the per-host circuit breaker and
// classifies the response.
func doWithBreaker(ctx context.Context, req *http.Request, env ExecContext) (model.Payload, error) {
	var out model.Payload
	br := env.Deps.Breakers.Get(req.URL.Host)

	err := br.Do(ctx, func(ctx context.Context) error {
		resp, err := env.Deps.HTTP.Do(req.WithContext(ctx))
		if err != nil {
			return fault.FromTransport(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fault.FromTransport(err)
		}

		if resp.StatusCode >= 400 {
			fe := fault.FromStatus(resp.StatusCode, string(raw))
			if d, ok := retryAfterOf(resp); ok {
				fe = fault.WithRetryAfter(fe, d)
			}
			return fe
		}

		out = model.Payload{"status": resp.StatusCode, "body": decodeBody(raw)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decodeBody parses JSON responses, falling back to the raw text.
func decodeBody(raw []byte) interface{} {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err == nil {
		return v
	}
	return string(raw)
}

// retryAfterOf reads a Retry-After header, accepting both delta-seconds and
// HTTP dates.
func retryAfterOf(resp *http.Response) (time.Duration, bool) {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}
