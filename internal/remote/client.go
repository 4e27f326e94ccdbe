package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/roach88/outboxd/internal/ops"
)

// ApplyPath is the apply route, relative to the endpoint base URL.
const ApplyPath = "/v1/apply"

type errorBody struct {
	Error string `json:"error"`
}

// HTTPEndpoint is an Endpoint speaking JSON over HTTP.
type HTTPEndpoint struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPEndpoint creates a client for the server at baseURL. A nil
// httpClient uses http.DefaultClient; per-call deadlines come from ctx.
func NewHTTPEndpoint(httpClient *http.Client, baseURL string) *HTTPEndpoint {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPEndpoint{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

// Apply posts m and classifies the outcome: 2xx is an ack, 408, 425, 429
// and 5xx are transient, any other status is a permanent rejection, and
// transport failures are transient.
func (c *HTTPEndpoint) Apply(ctx context.Context, m Mutation) (Ack, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return Ack{}, fmt.Errorf("apply %s: marshal: %w", m.RecordID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ApplyPath, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fmt.Errorf("apply %s: %w", m.RecordID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, m.RecordID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ack{}, ops.NewTransient("apply request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack Ack
		if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil && !errors.Is(err, io.EOF) {
			return Ack{}, ops.NewTransient("apply: decode ack", err)
		}
		return ack, nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	msg := fmt.Sprintf("remote status %d", resp.StatusCode)
	if strings.TrimSpace(eb.Error) != "" {
		msg = fmt.Sprintf("remote %d: %s", resp.StatusCode, eb.Error)
	}
	if transientStatus(resp.StatusCode) {
		return Ack{}, ops.NewTransient(msg, nil)
	}
	return Ack{}, ops.NewPermanent(msg, nil)
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}
