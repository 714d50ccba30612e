package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	auth "github.com/goliatone/go-market-auth"
)

const (
	PathAddUser         = "/auth/add-user"
	PathMe              = "/auth/me"
	PathUpdateProfile   = "/auth/update-profile"
	PathRequestMerchant = "/auth/request-merchant"
	PathApproveMerchant = "/admin/approve-merchant/"
	PathRejectMerchant  = "/admin/reject-merchant/"
)

// Config holds the backend client configuration.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     auth.Logger
	// UserAgent is sent on every request when set.
	UserAgent string
}

// Client talks to the marketplace backend REST surface and implements
// auth.ProfileAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     auth.Logger
	userAgent  string
}

var _ auth.ProfileAPI = (*Client)(nil)

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = auth.DefaultLogger()
	}

	return &Client{
		baseURL:    base,
		httpClient: client,
		logger:     logger,
		userAgent:  cfg.UserAgent,
	}, nil
}

// AddUser creates or claims the caller's profile.
func (c *Client) AddUser(ctx context.Context, token string, payload auth.AddUserPayload) (*auth.Profile, error) {
	return c.profileRequest(ctx, http.MethodPost, PathAddUser, token, payload)
}

// Me returns the caller's profile, creating a default one if needed.
func (c *Client) Me(ctx context.Context, token string) (*auth.Profile, error) {
	return c.profileRequest(ctx, http.MethodGet, PathMe, token, nil)
}

// UpdateProfile applies a partial update to the caller's profile.
func (c *Client) UpdateProfile(ctx context.Context, token string, payload auth.UpdateProfilePayload) (*auth.Profile, error) {
	return c.profileRequest(ctx, http.MethodPatch, PathUpdateProfile, token, payload)
}

// RequestMerchant submits a merchant upgrade request.
func (c *Client) RequestMerchant(ctx context.Context, token string, payload auth.MerchantRequestPayload) (*auth.Profile, error) {
	return c.profileRequest(ctx, http.MethodPost, PathRequestMerchant, token, payload)
}

// ApproveMerchant approves a pending request. Admin only.
func (c *Client) ApproveMerchant(ctx context.Context, token, profileID string) (*auth.Profile, error) {
	return c.profileRequest(ctx, http.MethodPatch, PathApproveMerchant+url.PathEscape(profileID), token, nil)
}

// RejectMerchant rejects a pending request. Admin only.
func (c *Client) RejectMerchant(ctx context.Context, token, profileID string) (*auth.Profile, error) {
	return c.profileRequest(ctx, http.MethodPatch, PathRejectMerchant+url.PathEscape(profileID), token, nil)
}

func (c *Client) profileRequest(ctx context.Context, method, path, token string, payload any) (*auth.Profile, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, auth.WrapError(err, auth.KindSyncServerError, "failed to encode request")
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, auth.WrapError(err, auth.KindSyncServerError, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("backend %s %s transport error: %v", method, path, err)
		return nil, auth.WrapError(err, auth.KindSyncNetwork, "backend unreachable").
			WithMetadata(map[string]any{"method": method, "path": path})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.WrapError(err, auth.KindSyncNetwork, "failed to read backend response").
			WithMetadata(map[string]any{"method": method, "path": path})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, raw, method, path)
	}

	var profile auth.Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, auth.WrapError(err, auth.KindSyncServerError, "failed to decode profile").
			WithMetadata(map[string]any{"method": method, "path": path, "status": resp.StatusCode})
	}
	profile.EnsureDefaults()
	return &profile, nil
}

func decodeError(status int, raw []byte, method, path string) error {
	var envelope auth.HTTPErrorEnvelope
	if len(raw) > 0 {
		// non JSON bodies fall back on the status mapping
		_ = json.Unmarshal(raw, &envelope)
	}
	if envelope.Error.Metadata == nil {
		envelope.Error.Metadata = map[string]any{}
	}
	envelope.Error.Metadata["method"] = method
	envelope.Error.Metadata["path"] = path
	return auth.FromHTTPError(status, envelope.Error)
}
