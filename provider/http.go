package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/AnandSundar/go-plantid/model"
)

// maxResponseBytes caps how much of a provider response is read
const maxResponseBytes = 4 << 20

// DoJSON sends req and decodes a JSON response body into out. Transport,
// status and decoding failures are returned as classified ProviderErrors.
func DoJSON(client *http.Client, provider string, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransport(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(provider, err)
	}

	if kind, failed := classifyStatus(resp.StatusCode); failed {
		return &model.ProviderError{
			Provider:   provider,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(body, 200)),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &model.ProviderError{
			Provider:   provider,
			Kind:       model.KindMalformed,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}

func classifyTransport(provider string, err error) error {
	kind := model.KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = model.KindTimeout
	}
	return &model.ProviderError{Provider: provider, Kind: kind, Err: err}
}

func classifyStatus(code int) (model.ErrorKind, bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return model.KindAuth, true
	case code == http.StatusTooManyRequests:
		return model.KindQuotaExceeded, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return model.KindTimeout, true
	default:
		return model.KindUpstream, true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
