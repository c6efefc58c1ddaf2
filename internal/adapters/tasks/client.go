// Package tasks talks to the work-item service that owns task records. The
// coordinator hands the agreed estimate over exactly once and does not
// retry; a failed hand-off is the caller's problem to resolve.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdeck/estimation/internal/domain"
)

type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SaveEstimate(ctx context.Context, task domain.TaskID, estimate int, unit domain.Unit) error {
	body, err := json.Marshal(map[string]any{
		"estimate": estimate,
		"unit":     unit,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/tasks/%s/estimate", c.base, task)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("task service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("task service returned %d", resp.StatusCode)
	}
	log.Info().Str("module", "adapters.tasks").Str("task", string(task)).
		Int("estimate", estimate).Msg("estimate persisted")
	return nil
}
