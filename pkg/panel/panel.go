// Package panel implements the panel HTTP client (C14): a typed client
// with bounded exponential backoff, per-status-code retry classification,
// and transparent pagination, talking to the remote control panel's
// `/api/remote/...` surface.
package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	wltypes "github.com/stellarstack/daemon/pkg/types"
)

const (
	maxRetries     = 3 // initial attempt + 3 retries = 4 total
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
	defaultTimeout = 30 * time.Second
	connectTimeout = 10 * time.Second
)

// ErrKind classifies a Panel API error for retry decisions and callers
// that need to branch on error type.
type ErrKind int

const (
	ErrAuthentication ErrKind = iota
	ErrNotFound
	ErrRateLimited
	ErrServer
	ErrTimeout
	ErrTransport
	ErrRetryExhausted
	ErrParse
	ErrInvalidURL
)

// Error is the error type returned by every Client method.
type Error struct {
	Kind       ErrKind
	Status     int
	Message    string
	RetryAfter *int
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrAuthentication:
		return "panel: authentication failed"
	case ErrNotFound:
		return "panel: not found"
	case ErrRateLimited:
		return "panel: rate limited"
	case ErrServer:
		return fmt.Sprintf("panel: server error %d: %s", e.Status, e.Message)
	case ErrTimeout:
		return "panel: request timeout"
	case ErrRetryExhausted:
		return fmt.Sprintf("panel: retries exhausted: %s", e.Message)
	case ErrParse:
		return fmt.Sprintf("panel: parsing response: %s", e.Message)
	case ErrInvalidURL:
		return fmt.Sprintf("panel: invalid url: %s", e.Message)
	default:
		return fmt.Sprintf("panel: request failed: %s", e.Message)
	}
}

func (e *Error) retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrRateLimited, ErrServer, ErrTransport:
		return true
	default:
		return false
	}
}

// Config configures a Client.
type Config struct {
	BaseURL string
	TokenID string
	Token   string
	Timeout time.Duration // default 30s
}

// Client is a retrying HTTP client for the panel's remote API.
type Client struct {
	http    *http.Client
	baseURL string
	tokenID string
	token   string
	logger  zerolog.Logger
}

// New builds a Client, validating that BaseURL carries a scheme.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, &Error{Kind: ErrInvalidURL, Message: "URL must start with http:// or https://"}
	}

	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		baseURL: baseURL,
		tokenID: cfg.TokenID,
		token:   cfg.Token,
		logger:  logger.With().Str("component", "panel").Logger(),
	}, nil
}

func (c *Client) authHeader() string {
	return fmt.Sprintf("Bearer %s.%s", c.tokenID, c.token)
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/api/remote/%s", c.baseURL, strings.TrimLeft(path, "/"))
}

func calculateBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// do issues a request with retry, decoding a successful JSON body into
// out (which may be nil for responses with no meaningful body).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	url := c.url(path)

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &Error{Kind: ErrParse, Message: err.Error()}
		}
	}

	var lastErr *Error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			c.logger.Debug().Str("path", path).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying panel request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &Error{Kind: ErrTimeout, Message: ctx.Err().Error()}
			}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return &Error{Kind: ErrTransport, Message: err.Error()}
		}
		req.Header.Set("Authorization", c.authHeader())
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		apiErr := c.execute(req, out)
		if apiErr == nil {
			return nil
		}

		if !apiErr.retryable() {
			return apiErr
		}
		lastErr = apiErr
		if attempt < maxRetries {
			c.logger.Warn().Str("path", path).Int("attempt", attempt+1).Err(apiErr).Msg("panel request failed, retrying")
		}
	}

	msg := "unknown error"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return &Error{Kind: ErrRetryExhausted, Message: msg}
}

func (c *Client) execute(req *http.Request, out any) *Error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: ErrTimeout, Message: err.Error()}
		}
		return &Error{Kind: ErrTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		var retryAfter *int
		if v := resp.Header.Get("Retry-After"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				retryAfter = &n
			}
		}
		return &Error{Kind: ErrRateLimited, RetryAfter: retryAfter}
	case http.StatusUnauthorized:
		return &Error{Kind: ErrAuthentication, Message: "invalid node credentials"}
	case http.StatusNotFound:
		return &Error{Kind: ErrNotFound, Message: "resource not found"}
	}

	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return &Error{Kind: ErrServer, Status: resp.StatusCode, Message: string(data)}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return &Error{Kind: ErrServer, Status: resp.StatusCode, Message: string(data)}
	}

	if out == nil {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrTransport, Message: err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: ErrParse, Message: err.Error()}
	}
	return nil
}

type apiResponse[T any] struct {
	Data T `json:"data"`
}

type pageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
}

type paginatedResponse[T any] struct {
	Data []T      `json:"data"`
	Meta pageMeta `json:"meta"`
}

// rawWorkload is the panel's wire shape for a workload configuration.
type rawWorkload struct {
	UUID    string            `json:"uuid"`
	Name    string            `json:"name"`
	Startup string            `json:"startup"`
	Image   string            `json:"image"`
	Env     map[string]string `json:"environment"`
}

// ListWorkloads walks every page of the panel's workload list.
func (c *Client) ListWorkloads(ctx context.Context, perPage int) ([]wltypes.WorkloadConfig, error) {
	var all []wltypes.WorkloadConfig
	page := 1

	for {
		var resp paginatedResponse[rawWorkload]
		path := fmt.Sprintf("servers?page=%d&per_page=%d", page, perPage)
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}

		for _, raw := range resp.Data {
			all = append(all, wltypes.WorkloadConfig{
				UUID:    raw.UUID,
				Name:    raw.Name,
				Startup: raw.Startup,
				Image:   raw.Image,
				Env:     raw.Env,
			})
		}

		if page >= resp.Meta.LastPage {
			break
		}
		page++
	}

	return all, nil
}

// GetServerConfiguration fetches a single workload's configuration.
func (c *Client) GetServerConfiguration(ctx context.Context, workloadID string) (wltypes.WorkloadConfig, error) {
	var resp apiResponse[rawWorkload]
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("servers/%s", workloadID), nil, &resp); err != nil {
		return wltypes.WorkloadConfig{}, err
	}
	return wltypes.WorkloadConfig{
		UUID:    resp.Data.UUID,
		Name:    resp.Data.Name,
		Startup: resp.Data.Startup,
		Image:   resp.Data.Image,
		Env:     resp.Data.Env,
	}, nil
}

// SetServerStatus reports a status string ("offline"|"starting"|"running"|"stopping").
func (c *Client) SetServerStatus(ctx context.Context, workloadID, status string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("servers/%s/status", workloadID), map[string]string{"status": status}, nil)
}

type rawInstallScript struct {
	ContainerImage string            `json:"container_image"`
	Script         string            `json:"script"`
	Env            map[string]string `json:"environment"`
}

// GetInstallationScript fetches the installation script body, image, and
// extra environment variables for a workload's install run.
func (c *Client) GetInstallationScript(ctx context.Context, workloadID string) (wltypes.InstallScript, error) {
	var resp apiResponse[rawInstallScript]
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("servers/%s/install", workloadID), nil, &resp); err != nil {
		return wltypes.InstallScript{}, err
	}
	return wltypes.InstallScript{
		ContainerImage: resp.Data.ContainerImage,
		Body:           resp.Data.Script,
		Env:            resp.Data.Env,
	}, nil
}

// SetInstallationStatus reports the result of an install run.
func (c *Client) SetInstallationStatus(ctx context.Context, workloadID string, successful bool) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("servers/%s/install", workloadID), map[string]any{
		"successful": successful,
		"reinstall":  false,
	}, nil)
}

// BackupStatus is the payload reported after a backup finishes.
type BackupStatus struct {
	Successful   bool   `json:"successful"`
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksum_type,omitempty"`
	Size         int64  `json:"size"`
}

// SetBackupStatus reports a completed backup to the panel.
func (c *Client) SetBackupStatus(ctx context.Context, backupUUID string, status BackupStatus) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("backups/%s", backupUUID), status, nil)
}

// SetRestorationStatus reports the result of a backup restore.
func (c *Client) SetRestorationStatus(ctx context.Context, backupUUID string, successful bool) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("backups/%s/restore", backupUUID), map[string]bool{"successful": successful}, nil)
}
