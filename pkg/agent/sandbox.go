package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/stark-io/stark/pkg/stark"
)

// HTTPSandbox drives the external JavaScript sandbox over its local HTTP
// control endpoint.
type HTTPSandbox struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSandbox(baseURL string) *HTTPSandbox {
	return &HTTPSandbox{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Start is retried briefly: the sandbox may still be warming up when the
// first pod lands on a freshly started node.
func (s *HTTPSandbox) Start(ctx context.Context, start *stark.PodStart) error {
	return retry.Do(
		func() error {
			return s.post(ctx, "/pods", start, nil)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.Context(ctx),
	)
}

func (s *HTTPSandbox) Stop(ctx context.Context, podID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/pods/"+podID, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sandbox unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return errors.Errorf("sandbox returned %d stopping pod %s", resp.StatusCode, podID)
	}
	return nil
}

func (s *HTTPSandbox) Deliver(ctx context.Context, signal *stark.PeerSignal) error {
	return s.post(ctx, "/pods/"+signal.TargetPodID+"/signal", signal, nil)
}

func (s *HTTPSandbox) Handle(ctx context.Context, req *stark.IngressRequest) (*stark.IngressResponse, error) {
	out := &stark.IngressResponse{}
	if err := s.post(ctx, "/pods/"+req.PodID+"/ingress", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPSandbox) post(ctx context.Context, path string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sandbox unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox returned %d for %s", resp.StatusCode, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, "malformed sandbox response")
		}
	}
	return nil
}
