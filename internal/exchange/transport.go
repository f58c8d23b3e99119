package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// jsonTokenTransport converts oauth2's form-encoded token requests to the camelCase JSON
// format required by Kiro-style token endpoints, and rewrites camelCase JSON responses to
// the snake_case field names oauth2 parses.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type jsonTokenTransport struct {
	base http.RoundTripper
}

// Compile-time check that jsonTokenTransport implements http.RoundTripper.
var _ http.RoundTripper = (*jsonTokenTransport)(nil)

// RoundTrip intercepts token requests and converts them from form-encoded to JSON.
func (t *jsonTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq, err := formToJSON(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(newReq)
	if err != nil {
		return nil, err
	}
	if err := normalizeResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func formToJSON(req *http.Request) (*http.Request, error) {
	if req.Body == nil {
		return req, nil
	}
	// Defer close since we consume the body entirely and create a new body for the cloned request.
	// Unlike passthrough patterns, we don't forward the form body to the next RoundTripper.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonData := make(map[string]any, len(formData))
	for key, values := range formData {
		jsonData[snakeToCamel(key)] = values[0] // RFC 6749 parameters are single-valued
	}
	// AWS SSO OIDC expects scopes as a list
	if scope, ok := jsonData["scope"].(string); ok {
		delete(jsonData, "scope")
		jsonData["scopes"] = strings.Fields(scope)
	}

	jsonBody, err := json.Marshal(jsonData)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.Header.Set("Content-Type", "application/json")
	return newReq, nil
}

// normalizeResponse rewrites top-level camelCase keys of a JSON object body to snake_case.
// Non-JSON bodies are left untouched.
func normalizeResponse(resp *http.Response) error {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading token response: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		normalized := make(map[string]json.RawMessage, len(fields))
		for key, value := range fields {
			normalized[camelToSnake(key)] = value
		}
		if out, err := json.Marshal(normalized); err == nil {
			body = out
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// headerTransport sets the client headers on token endpoint requests.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

// Compile-time check that headerTransport implements http.RoundTripper.
var _ http.RoundTripper = (*headerTransport)(nil)

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := req.Clone(req.Context())
	newReq.Header.Set("User-Agent", t.userAgent)
	if newReq.Header.Get("Accept") == "" {
		newReq.Header.Set("Accept", "application/json")
	}
	return t.base.RoundTrip(newReq)
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		r := []rune(parts[i])
		r[0] = unicode.ToUpper(r[0])
		parts[i] = string(r)
	}
	return strings.Join(parts, "")
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
