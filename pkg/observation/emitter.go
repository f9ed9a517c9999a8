package observation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrEmit wraps every failure to ping a health-check endpoint: network
// error or a non-200 response.
var ErrEmit = errors.New("observation: emit failed")

// Emitter pings a health-check endpoint for a stage transition.
type Emitter struct {
	baseURL string
	client  *http.Client
}

// DefaultBaseURL is used when an observer has no custom base configured.
const DefaultBaseURL = "https://hc-ping.com"

// NewEmitter creates an emitter against baseURL. A nil client gets a
// reasonable default timeout.
func NewEmitter(baseURL string, client *http.Client) *Emitter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Emitter{baseURL: baseURL, client: client}
}

func suffixFor(stage Stage) string {
	switch stage.Kind {
	case Starting:
		return "/start"
	case Failed:
		return "/fail"
	default:
		return ""
	}
}

// Emit GETs baseURL/endpointID[suffix]. Only a 200 response is success.
func (e *Emitter) Emit(ctx context.Context, endpointID string, stage Stage) error {
	url := strings.TrimRight(e.baseURL, "/") + "/" + endpointID + suffixFor(stage)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrEmit, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: endpoint %s returned status %d", ErrEmit, endpointID, resp.StatusCode)
	}
	return nil
}
