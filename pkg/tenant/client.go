package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/modhive/modhive/pkg/common/types"
)

// Client talks to the API layer's read endpoints. It implements Directory,
// ModuleReader and SideEffectSink over plain HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API layer at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var domains []Domain
	if err := c.getJSON(ctx, "/domains", &domains); err != nil {
		return nil, fmt.Errorf("ListDomains: %w", err)
	}
	return domains, nil
}

func (c *Client) ListGameServers(ctx context.Context, domainID string) ([]GameServer, error) {
	var servers []GameServer
	path := "/domains/" + url.PathEscape(domainID) + "/gameservers"
	if err := c.getJSON(ctx, path, &servers); err != nil {
		return nil, fmt.Errorf("ListGameServers: %w", err)
	}
	return servers, nil
}

func (c *Client) GetInstalledModules(ctx context.Context, gameServerID string) ([]types.ModuleInstallation, error) {
	var installations []types.ModuleInstallation
	path := "/gameservers/" + url.PathEscape(gameServerID) + "/modules"
	if err := c.getJSON(ctx, path, &installations); err != nil {
		return nil, fmt.Errorf("GetInstalledModules: %w", err)
	}
	return installations, nil
}

// Emit forwards a side effect to the API layer for delivery to the game
// server.
func (c *Client) Emit(ctx context.Context, effect SideEffect) error {
	b, err := json.Marshal(effect)
	if err != nil {
		return fmt.Errorf("Emit: marshal side effect: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/side-effects", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("Emit: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("Emit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Emit: API returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
