package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/troupeai/troupe/pkg/config"
)

// newHTTPClient builds the per-provider HTTP client. One client per adapter
// so each provider keeps its own connection pool.
func newHTTPClient(cfg *config.ProviderConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.TimeoutDuration(),
	}
}

// postJSON sends a JSON POST and returns the raw body. Non-2xx statuses and
// transport errors come back as *ProviderError.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Provider: provider, Kind: FailureBadRequest, Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Provider: provider, Kind: FailureBadRequest, Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport(provider, err)
	}

	if pe := ClassifyHTTP(provider, resp.StatusCode, resp.Header, string(respBody)); pe != nil {
		return nil, pe
	}
	return respBody, nil
}

// getJSON performs a GET used by health checks.
func getJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ClassifyTransport(provider, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if pe := ClassifyHTTP(provider, resp.StatusCode, resp.Header, ""); pe != nil {
		return pe
	}
	return nil
}

// newCallID synthesizes a positional call ID for wire formats that do not
// assign one.
func newCallID(i int) string {
	return fmt.Sprintf("call_%d", i)
}

// decodeRaw keeps the full vendor response as an opaque bag for
// observability.
func decodeRaw(body []byte) map[string]interface{} {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	return raw
}
