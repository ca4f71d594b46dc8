package spawn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hivedev/hive/internal/common/errors"
)

const healthPollInterval = 500 * time.Millisecond

// waitHealthy polls baseURL/health until it answers 200 or the timeout
// elapses. Exceeding the deadline is a timeout error so callers can tell
// "never started" apart from an explicit failure.
func waitHealthy(ctx context.Context, baseURL string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return errors.Timeout(fmt.Sprintf("health check at %s", baseURL))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}
