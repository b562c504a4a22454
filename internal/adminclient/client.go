// Package adminclient calls the admin RPC endpoint on behalf of the CLI and
// other operator tooling. Requests are validated locally before they leave
// the process.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/midnight-protocol/admin/internal/models"
	"github.com/midnight-protocol/admin/internal/template"
)

const (
	rpcPath          = "/api/v1/admin/rpc"
	defaultCacheSize = 256
)

// RemoteError is a failed call reported by the server envelope.
type RemoteError struct {
	Action  string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Action, e.Message, e.Status)
}

// Is lets callers test remote failures against the template sentinels.
// A 409 matches both ErrDuplicateName and ErrConflict.
func (e *RemoteError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == template.ErrNotFound
	case http.StatusConflict:
		return target == template.ErrDuplicateName || target == template.ErrConflict
	}
	return false
}

type Client struct {
	baseURL      string
	http         *http.Client
	token        string
	apiKey       string
	apiKeyHeader string
	cacheSize    int
	cache        *lru.Cache[string, models.Template]
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken authenticates with an operator JWT.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithAPIKey authenticates with an operator API key sent in header.
func WithAPIKey(header, key string) Option {
	return func(c *Client) {
		c.apiKeyHeader = header
		c.apiKey = key
	}
}

// WithCacheSize bounds the GetTemplate cache. Zero disables it.
func WithCacheSize(n int) Option {
	return func(c *Client) { c.cacheSize = n }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 2 * time.Minute},
		apiKeyHeader: "X-API-Key",
		cacheSize:    defaultCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.New("admin client: base URL is required")
	}
	if c.cacheSize > 0 {
		cache, err := lru.New[string, models.Template](c.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create template cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// call posts one action and decodes data into out when out is non-nil.
func (c *Client) call(ctx context.Context, action string, params, out interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"action": action, "params": params})
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHeader, c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", action, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &RemoteError{Action: action, Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &RemoteError{Action: action, Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	return nil
}

func label(kind models.TemplateKind) string {
	if kind == models.KindEmail {
		return "Email"
	}
	return "Prompt"
}

func checkKind(kind models.TemplateKind) error {
	if !kind.Valid() {
		return &template.ValidationError{Field: "kind", Message: "must be prompt or email"}
	}
	return nil
}

func cacheKey(kind models.TemplateKind, id uuid.UUID) string {
	return string(kind) + ":" + id.String()
}

func (c *Client) remember(t *models.Template) {
	if c.cache != nil && t != nil {
		c.cache.Add(cacheKey(t.Kind, t.ID), *t)
	}
}

func (c *Client) forget(kind models.TemplateKind, id uuid.UUID) {
	if c.cache != nil {
		c.cache.Remove(cacheKey(kind, id))
	}
}

func (c *Client) purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}
