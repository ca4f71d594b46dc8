// Package client is the orchestrator-side transport for issuing turns and
// queries against running agents.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hivedev/hive/internal/common/errors"
	"github.com/hivedev/hive/internal/common/logger"
	"github.com/hivedev/hive/internal/spawn"
	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Client resolves agent base URLs through a Resolver and speaks the runner's
// HTTP surface. It carries no per-agent state.
type Client struct {
	resolver spawn.Resolver
	// stream has no client timeout; turn duration is governed by ctx.
	stream *http.Client
	http   *http.Client
	logger *logger.Logger
}

// NewClient creates an agent client over a resolver.
func NewClient(resolver spawn.Resolver, log *logger.Logger) *Client {
	return &Client{
		resolver: resolver,
		stream:   &http.Client{},
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   log.WithFields(zap.String("component", "agent-client")),
	}
}

// Turn streams one turn to an agent. The returned channel yields incremental
// chunks and closes after the terminal done chunk or when ctx is cancelled.
func (c *Client) Turn(ctx context.Context, agentID, nonce, body string) (<-chan v1.TurnChunk, error) {
	base, err := c.resolver.Resolve(agentID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(v1.TurnRequest{AgentID: agentID, Nonce: nonce, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/turn", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("turn request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}

	out := make(chan v1.TurnChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var chunk v1.TurnChunk
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
				c.logger.Warn("dropping malformed chunk",
					zap.String("agent_id", agentID), zap.Error(err))
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()
	return out, nil
}

// History fetches the agent's recorded conversation, optionally truncated to
// the last n entries.
func (c *Client) History(ctx context.Context, agentID string, lastN int) ([]v1.HistoryEntry, error) {
	var result v1.HistoryResponse
	if err := c.post(ctx, agentID, "/v1/history", v1.HistoryRequest{LastN: lastN}, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Control issues a nonce-gated runtime operation.
func (c *Client) Control(ctx context.Context, agentID string, req v1.ControlRequest) (*v1.ControlResponse, error) {
	var result v1.ControlResponse
	if err := c.post(ctx, agentID, "/v1/control", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Info fetches the agent's process introspection.
func (c *Client) Info(ctx context.Context, agentID string) (*v1.InfoResponse, error) {
	base, err := c.resolver.Resolve(agentID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/info", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("info request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var info v1.InfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode info: %w", err)
	}
	return &info, nil
}

// Bus pages through the agent's bus from a starting position.
func (c *Client) Bus(ctx context.Context, agentID string, req v1.AgentBusRequest) ([]v1.BusEntry, error) {
	var result v1.AgentBusResponse
	if err := c.post(ctx, agentID, "/v1/agentbus", req, &result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func (c *Client) post(ctx context.Context, agentID, path string, body, result any) error {
	base, err := c.resolver.Resolve(agentID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// responseError reconstructs the runner's error taxonomy from a non-200
// response so callers can use the errors predicates.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)

	var appErr errors.AppError
	if err := json.Unmarshal(data, &appErr); err == nil && appErr.Code != "" {
		appErr.HTTPStatus = resp.StatusCode
		return &appErr
	}
	return &errors.AppError{
		Code:       errors.ErrCodeInternalError,
		Message:    fmt.Sprintf("agent returned %d: %s", resp.StatusCode, data),
		HTTPStatus: resp.StatusCode,
	}
}
