// Package router talks to an optional external router/load-balancer that
// fronts the worker pool. A joining worker registers itself, then polls the
// router-facing URL until it answers, so clients are never told to contact a
// URL that is not yet routable.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shoalproj/shoal/types"
)

// ErrUnreachable is returned when the registered URL never became routable
// within the polling budget.
var ErrUnreachable = errors.New("registered worker URL never became reachable")

// Registration is the router's answer to a registration request.
type Registration struct {
	// URL is the externally routable base URL assigned to the worker.
	URL string `json:"url"`

	// Host is the hostname portion, used as a stable worker identifier.
	Host string `json:"host"`
}

// Client registers and deregisters a worker with the external router.
type Client struct {
	baseURL string
	port    int
	httpc   *http.Client
	logger  types.Logger
}

// New creates a router client.
//
// Parameters:
//   - baseURL: Router control endpoint
//   - port: This worker's listening port, passed to the router
//   - logger: Logger for poll progress
func New(baseURL string, port int, logger types.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		port:    port,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Register adds this worker to the router and returns the assigned URL.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	var reg Registration

	body, err := c.act(ctx, "add")
	if err != nil {
		return reg, fmt.Errorf("failed to register with router: %w", err)
	}

	if err := json.Unmarshal(body, &reg); err != nil {
		return reg, fmt.Errorf("invalid router registration response: %w", err)
	}

	c.logger.Info("worker registered with router", "url", reg.URL)

	return reg, nil
}

// Remove deregisters this worker from the router.
func (c *Client) Remove(ctx context.Context) error {
	if _, err := c.act(ctx, "remove"); err != nil {
		return fmt.Errorf("failed to deregister from router: %w", err)
	}

	c.logger.Info("worker deregistered from router", "router", c.baseURL)

	return nil
}

// WaitReachable polls statusURL until it answers with a 2xx, up to the
// given number of attempts spaced by interval. The main delay in practice
// is a new load balancer rule taking effect, typically 10-20 seconds.
//
// Returns:
//   - error: ErrUnreachable once the attempt budget is spent, or ctx error
func (c *Client) WaitReachable(ctx context.Context, statusURL string, attempts int, interval time.Duration) error {
	for try := 0; try < attempts; try++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if err := c.probe(ctx, statusURL); err != nil {
			c.logger.Debug("waiting for worker URL to become routable", "url", statusURL, "error", err)
			continue
		}

		return nil
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrUnreachable, statusURL, attempts)
}

func (c *Client) probe(ctx context.Context, statusURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d from %s", resp.StatusCode, statusURL)
	}

	return nil
}

func (c *Client) act(ctx context.Context, action string) ([]byte, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid router URL %q: %w", c.baseURL, err)
	}

	q := u.Query()
	q.Set("act", action)
	q.Set("port", strconv.Itoa(c.port))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
