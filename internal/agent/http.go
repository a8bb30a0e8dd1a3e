package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"weaver/internal/errors"
)

const (
	defaultHTTPMaxBodyBytes  = 1 << 20 // 1 MiB response cap
	defaultHTTPMaxConcurrent = 8
)

var allowedHTTPMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// httpAgent issues outbound requests. Responses of 5xx and network
// failures classify as transient so retry policies apply; 4xx are
// permanent. The descriptor declares the agent idempotent; point
// non-idempotent endpoints at a dedicated agent type instead.
type httpAgent struct {
	client       *http.Client
	maxBodyBytes int64
}

// NewHTTPAgent returns the built-in HTTP descriptor. A nil client gets
// a default with a 60 s outer timeout; per-call deadlines come from ctx.
func NewHTTPAgent(client *http.Client) Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return Descriptor{
		Type:          "http",
		Name:          "HTTP Client",
		Description:   "Outbound HTTP requests with bounded response bodies",
		Idempotent:    true,
		MaxConcurrent: defaultHTTPMaxConcurrent,
		Agent:         &httpAgent{client: client, maxBodyBytes: defaultHTTPMaxBodyBytes},
		Actions: []Action{
			{
				Name:        "request",
				Description: "Issue one HTTP request and return the decoded response",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"url":     map[string]interface{}{"type": "string"},
						"method":  map[string]interface{}{"type": "string"},
						"headers": map[string]interface{}{"type": "object"},
						"body":    map[string]interface{}{},
					},
					"required": []interface{}{"url"},
				},
				Returns: "{status, ok, body, contentType, elapsedMs}",
			},
		},
	}
}

func (a *httpAgent) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	if action != "request" {
		return nil, errors.NewPermanentError(nil, fmt.Sprintf("http: unknown action %q", action))
	}
	return a.request(ctx, params)
}

func (a *httpAgent) request(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	url, _ := params["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, errors.NewPermanentError(nil, "http: url is required")
	}

	method := http.MethodGet
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !allowedHTTPMethods[method] {
		return nil, errors.NewPermanentError(nil, fmt.Sprintf("http: method %q not allowed", method))
	}

	var reqBody io.Reader
	contentType := ""
	switch body := params["body"].(type) {
	case nil:
	case string:
		reqBody = strings.NewReader(body)
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.NewPermanentError(err, "http: encode request body")
		}
		reqBody = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, errors.NewPermanentError(err, "http: build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := params["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err // let the kind classifier map Cancelled/Timeout
		}
		return nil, errors.NewTransientError(err, "http: request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBodyBytes))
	if err != nil {
		return nil, errors.NewTransientError(err, "http: read response body")
	}
	elapsed := time.Since(start)

	respContentType := resp.Header.Get("Content-Type")
	var body interface{} = string(raw)
	if strings.Contains(respContentType, "json") && len(raw) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			body = decoded
		}
	}

	out := map[string]interface{}{
		"status":      resp.StatusCode,
		"ok":          resp.StatusCode < 400,
		"body":        body,
		"contentType": respContentType,
		"elapsedMs":   elapsed.Milliseconds(),
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.NewTransientError(
			fmt.Errorf("http: %s %s returned %d", method, url, resp.StatusCode),
			fmt.Sprintf("upstream returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, errors.NewPermanentError(
			fmt.Errorf("http: %s %s returned %d", method, url, resp.StatusCode),
			fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}
	return out, nil
}
