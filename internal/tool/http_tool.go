package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

// maxHTTPToolResponse caps how much of a response reaches the model.
const maxHTTPToolResponse = 64 << 10

// HTTPTool calls an endpoint. {{name}} placeholders in the URL take the
// query-escaped argument; POST, PUT and PATCH also send the arguments as the
// JSON body.
type HTTPTool struct {
	name        string
	description string
	url         string
	method      string
	headers     map[string]string
	params      map[string]interface{}
	client      *http.Client
}

func NewHTTPTool(name, description, url, method string, headers map[string]string) *HTTPTool {
	if method == "" {
		method = http.MethodPost
	}
	return &HTTPTool{
		name:        name,
		description: description,
		url:         url,
		method:      strings.ToUpper(method),
		headers:     headers,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTool) Name() string        { return t.name }
func (t *HTTPTool) Description() string { return t.description }

func (t *HTTPTool) Parameters() map[string]interface{} {
	if t.params != nil {
		return t.params
	}
	return map[string]interface{}{
		"input": map[string]interface{}{"type": "string", "description": "Value for input"},
	}
}

// Execute performs the request. Connection failures, 429 and 5xx are
// transient so the tools node retries them; other 4xx are returned to the
// model as errors.
func (t *HTTPTool) Execute(ctx context.Context, argsJSON json.RawMessage) (string, error) {
	args, err := decodeArgs(argsJSON)
	if err != nil {
		return "", err
	}
	target := placeholderRe.ReplaceAllStringFunc(t.url, func(m string) string {
		v, ok := args[m[2:len(m)-2]]
		if !ok {
			return ""
		}
		return url.QueryEscape(fmt.Sprint(v))
	})

	var body io.Reader
	switch t.method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if len(argsJSON) == 0 {
			argsJSON = json.RawMessage(`{}`)
		}
		body = bytes.NewReader(argsJSON)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, target, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", mnemoerr.Transient("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPToolResponse))
	if err != nil {
		return "", mnemoerr.Transient("failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", mnemoerr.Transient(fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("%s", data))
	case resp.StatusCode >= 400:
		return string(data), fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	return string(data), nil
}

// Test reports the configured endpoint without calling it.
func (t *HTTPTool) Test(ctx context.Context) (string, error) {
	return fmt.Sprintf("http tool %q configured for %s %s", t.name, t.method, t.url), nil
}

func (t *HTTPTool) SetTimeout(d time.Duration) { t.client.Timeout = d }
