package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// Client talks to a bus server's query endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a bus client for a base URL like http://127.0.0.1:42100.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Query fetches one page of entries.
func (c *Client) Query(ctx context.Context, req v1.BusQueryRequest) (*v1.BusQueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bus query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bus query returned %d: %s", resp.StatusCode, data)
	}

	var page v1.BusQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode bus page: %w", err)
	}
	return &page, nil
}

// QueryAll aggregates fixed-size pages from start until an empty page or a
// completion flag, returning a flat list.
func (c *Client) QueryAll(ctx context.Context, start int64, types []v1.BusEntryType) ([]v1.BusEntry, error) {
	var all []v1.BusEntry
	pos := start
	if pos < 1 {
		pos = 1
	}

	for {
		page, err := c.Query(ctx, v1.BusQueryRequest{
			StartPosition: pos,
			Limit:         DefaultPageSize,
			Types:         types,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Entries...)
		if page.Complete || len(page.Entries) == 0 {
			break
		}
		pos = page.Entries[len(page.Entries)-1].Position + 1
	}

	if all == nil {
		all = []v1.BusEntry{}
	}
	return all, nil
}

// Append publishes an entry to the bus and returns its assigned position.
func (c *Client) Append(ctx context.Context, entry *v1.BusEntry) (int64, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal entry: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/append", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("bus append failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("bus append returned %d: %s", resp.StatusCode, data)
	}

	var result struct {
		Position int64 `json:"position"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode append result: %w", err)
	}
	return result.Position, nil
}
