package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/rpc"
)

// HTTPConnector asks the coordinator for the resources of every other worker.
type HTTPConnector struct {
	baseURL string
	client  *http.Client
}

// NewHTTPConnector creates a connector for the coordinator at baseURL. A nil
// client uses one with a 10s timeout.
func NewHTTPConnector(baseURL string, client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPConnector{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// GetAllResources implements resource.Connector.
func (c *HTTPConnector) GetAllResources(ctx context.Context, exclude string) (resource.Set, error) {
	u := c.baseURL + "/v1/resources?exclude=" + url.QueryEscape(exclude)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build resources request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch remote resources: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch remote resources: status %d", resp.StatusCode)
	}
	var out rpc.ResourcesResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode remote resources: %w", err)
	}
	return out.Resources, nil
}
