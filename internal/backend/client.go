package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"schoolcheckin/internal/config"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/queue"

	"github.com/rs/zerolog"
)

// ErrNonSuccess marks any response outside 2xx.
var ErrNonSuccess = errors.New("backend returned non-success status")

// StatusError carries the status and a bounded excerpt of the body.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return ErrNonSuccess
}

const maxErrorBody = 1 << 10

// Client talks to the check-in backend and implements queue.Dispatcher.
type Client struct {
	baseURL    string
	appVersion string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.BackendConfig, logger *zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		appVersion: cfg.AppVersion,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}
	if logger != nil {
		c.logger = logger.With().Str("component", "backend").Logger()
	}
	return c
}

var _ queue.Dispatcher = (*Client)(nil)

type checkInRequest struct {
	SchoolID          string           `json:"school_id"`
	UserID            string           `json:"user_id"`
	Location          *models.Location `json:"location,omitempty"`
	QueuedActionID    string           `json:"queuedActionId"`
	OriginalTimestamp time.Time        `json:"originalTimestamp"`
}

type sessionPatch struct {
	Status            string            `json:"status,omitempty"`
	CheckOutTime      *time.Time        `json:"check_out_time,omitempty"`
	CheckOutLocation  *models.Location  `json:"check_out_location,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
	QueuedActionID    string            `json:"queuedActionId"`
	OriginalTimestamp time.Time         `json:"originalTimestamp"`
}

type locationRequest struct {
	UserID            string          `json:"user_id"`
	SessionID         string          `json:"session_id,omitempty"`
	Location          models.Location `json:"location"`
	QueuedActionID    string          `json:"queuedActionId"`
	OriginalTimestamp time.Time       `json:"originalTimestamp"`
}

type createdResponse struct {
	ID string `json:"id"`
}

// Dispatch persists one queued action.
func (c *Client) Dispatch(ctx context.Context, a models.QueuedAction) (queue.DispatchResult, error) {
	p := a.Payload
	switch a.Type {
	case models.ActionCheckIn:
		var resp createdResponse
		err := c.do(ctx, http.MethodPost, "/sessions", a.Metadata, checkInRequest{
			SchoolID:          p.SchoolID,
			UserID:            p.UserID,
			Location:          p.Location,
			QueuedActionID:    a.ID,
			OriginalTimestamp: p.Timestamp,
		}, &resp)
		if err != nil {
			return queue.DispatchResult{}, err
		}
		return queue.DispatchResult{SessionID: resp.ID}, nil

	case models.ActionCheckOut:
		ts := p.Timestamp
		err := c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(p.SessionID), a.Metadata, sessionPatch{
			Status:            models.SessionCompleted,
			CheckOutTime:      &ts,
			CheckOutLocation:  p.Location,
			QueuedActionID:    a.ID,
			OriginalTimestamp: p.Timestamp,
		}, nil)
		return queue.DispatchResult{SessionID: p.SessionID}, err

	case models.ActionSessionUpdate:
		err := c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(p.SessionID), a.Metadata, sessionPatch{
			Notes:             p.Notes,
			Fields:            p.Fields,
			QueuedActionID:    a.ID,
			OriginalTimestamp: p.Timestamp,
		}, nil)
		return queue.DispatchResult{SessionID: p.SessionID}, err

	case models.ActionLocationUpdate:
		if p.Location == nil {
			return queue.DispatchResult{}, errors.New("location update without location")
		}
		err := c.do(ctx, http.MethodPost, "/locations", a.Metadata, locationRequest{
			UserID:            p.UserID,
			SessionID:         p.SessionID,
			Location:          *p.Location,
			QueuedActionID:    a.ID,
			OriginalTimestamp: p.Timestamp,
		}, nil)
		return queue.DispatchResult{SessionID: p.SessionID}, err
	}
	return queue.DispatchResult{}, fmt.Errorf("unknown action type: %s", a.Type)
}

// Health calls the backend health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, meta *models.ClientMetadata, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.addHeaders(req, meta)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request, meta *models.ClientMetadata) {
	if c.appVersion != "" {
		req.Header.Set("X-App-Version", c.appVersion)
	}
	if meta == nil {
		return
	}
	if meta.UserAgent != "" {
		req.Header.Set("User-Agent", meta.UserAgent)
	}
	if meta.AppVersion != "" {
		req.Header.Set("X-App-Version", meta.AppVersion)
	}
	if meta.NetworkStatus != "" {
		req.Header.Set("X-Network-Status", meta.NetworkStatus)
	}
}
