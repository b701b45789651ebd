// ABOUTME: Machine API client with bearer auth, client-side rate limiting and retries
// ABOUTME: Retries 429, 5xx and network errors with 1s/2s/4s exponential backoff

package machines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/2389/roost-gateway/internal/metrics"
)

// DefaultBaseURL is the public machine API endpoint.
const DefaultBaseURL = "https://api.machines.dev/v1"

// MaxRetries is the number of retries after the first attempt.
const MaxRetries = 3

// Machine states reported by the API.
const (
	StateCreated    = "created"
	StateStarting   = "starting"
	StateStarted    = "started"
	StateStopping   = "stopping"
	StateStopped    = "stopped"
	StateSuspended  = "suspended"
	StateDestroying = "destroying"
	StateDestroyed  = "destroyed"
)

// Guest sizes a machine.
type Guest struct {
	CPUKind  string `json:"cpu_kind,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
}

// RestartPolicy controls what the platform does when the process exits.
type RestartPolicy struct {
	Policy string `json:"policy"`
}

// MachineConfig is the launch configuration of a machine.
type MachineConfig struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	Guest       *Guest            `json:"guest,omitempty"`
	Restart     *RestartPolicy    `json:"restart,omitempty"`
	AutoDestroy bool              `json:"auto_destroy,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Machine is a machine as returned by the API.
type Machine struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	State      string         `json:"state"`
	Region     string         `json:"region,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	PrivateIP  string         `json:"private_ip,omitempty"`
	Config     *MachineConfig `json:"config,omitempty"`
	CreatedAt  string         `json:"created_at,omitempty"`
}

// CreateMachineRequest is the body of a create call.
type CreateMachineRequest struct {
	Name   string        `json:"name"`
	Region string        `json:"region,omitempty"`
	Config MachineConfig `json:"config"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL defaults to DefaultBaseURL. The app path is appended.
	BaseURL string
	App     string
	Token   string

	// RequestsPerSecond caps outgoing calls; zero disables the limiter.
	RequestsPerSecond float64

	HTTPClient *http.Client

	// BackOff builds the retry schedule for one call. Defaults to 1s, 2s, 4s.
	BackOff func() backoff.BackOff

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client talks to the machine API for one app.
type Client struct {
	baseURL    string
	token      string
	http       *http.Client
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// DefaultBackOff returns the 1s, 2s, 4s schedule without jitter.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 4 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewClient creates a machine API client.
func NewClient(cfg ClientConfig) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	newBackOff := cfg.BackOff
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(base, "/") + "/apps/" + url.PathEscape(cfg.App),
		token:      cfg.Token,
		http:       httpClient,
		limiter:    limiter,
		newBackOff: newBackOff,
		metrics:    cfg.Metrics,
		logger:     logger.With("component", "machines-client"),
	}
}

// do sends one logical request, retrying transient failures. A 204 or an
// empty body leaves out untouched.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
	}

	start := time.Now()
	lastCode := 0
	attempt := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastCode = 0
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("sending %s request: %w", op, err)
		}
		defer resp.Body.Close()
		lastCode = resp.StatusCode

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading %s response: %w", op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
			if apiErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if resp.StatusCode == http.StatusNoContent || out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding %s response: %w", op, err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), MaxRetries), ctx)
	err := backoff.RetryNotify(attempt, b, func(err error, wait time.Duration) {
		c.metrics.APIRetry()
		c.logger.Warn("machine api call failed, retrying", "op", op, "error", err, "wait", wait)
	})
	c.metrics.APIRequest(op, lastCode, time.Since(start))
	return err
}

// CreateMachine creates and launches a machine.
func (c *Client) CreateMachine(ctx context.Context, req CreateMachineRequest) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, "create", http.MethodPost, "/machines", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMachine fetches a machine by provider id.
func (c *Client) GetMachine(ctx context.Context, id string) (*Machine, error) {
	var m Machine
	if err := c.do(ctx, "get", http.MethodGet, "/machines/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMachineByName returns the live machine called name, or nil if none
// exists. Destroyed machines count as absent.
func (c *Client) FindMachineByName(ctx context.Context, name string) (*Machine, error) {
	var list []Machine
	if err := c.do(ctx, "list", http.MethodGet, "/machines", nil, &list); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	for i := range list {
		if list[i].Name == name && list[i].State != StateDestroyed && list[i].State != StateDestroying {
			return &list[i], nil
		}
	}
	return nil, nil
}

// StartMachine starts a stopped machine.
func (c *Client) StartMachine(ctx context.Context, id string) error {
	return c.do(ctx, "start", http.MethodPost, "/machines/"+url.PathEscape(id)+"/start", nil, nil)
}

// StopMachine stops a machine. A machine that no longer exists counts as stopped.
func (c *Client) StopMachine(ctx context.Context, id string) error {
	err := c.do(ctx, "stop", http.MethodPost, "/machines/"+url.PathEscape(id)+"/stop", nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteMachine destroys a machine. A machine that no longer exists counts as
// deleted.
func (c *Client) DeleteMachine(ctx context.Context, id string, force bool) error {
	path := "/machines/" + url.PathEscape(id)
	if force {
		path += "?force=true"
	}
	err := c.do(ctx, "delete", http.MethodDelete, path, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// WaitForState blocks until the machine reaches state or the API-side
// timeout elapses.
func (c *Client) WaitForState(ctx context.Context, id, state string, timeout time.Duration) error {
	q := url.Values{}
	q.Set("state", state)
	q.Set("timeout", fmt.Sprintf("%d", int(timeout.Seconds())))
	return c.do(ctx, "wait", http.MethodGet, "/machines/"+url.PathEscape(id)+"/wait?"+q.Encode(), nil, nil)
}
