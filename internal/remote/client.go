// Package remote talks to the stationsync API over HTTP. Client implements the lease
// store, the station row store and the presence channel used by a signed-in session.
package remote

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

	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 15 * time.Second

var (
	// ErrMissingBaseURL indicates a client built without the API address.
	ErrMissingBaseURL = errors.New("remote: base url required")
	// ErrMissingAPIKey indicates a client built without the anon key.
	ErrMissingAPIKey = errors.New("remote: api key required")
	// ErrNotSignedIn indicates a protected call without an access token.
	ErrNotSignedIn = errors.New("remote: not signed in")
)

// APIError is a non-2xx response. SQLState exposes the storage code so failures can be
// classified without knowing the transport.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
}

// SQLState returns the error code reported by the server.
func (e *APIError) SQLState() string {
	return e.Code
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	AnonKey     string
	AccessToken string
	// HTTPClient is used for unary calls. Presence streams use StreamClient.
	HTTPClient   *http.Client
	StreamClient *http.Client
	Logger       *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL      *url.URL
	anonKey      string
	accessToken  string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// New validates the configuration.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, ErrMissingBaseURL
	}
	baseURL, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if strings.TrimSpace(cfg.AnonKey) == "" {
		return nil, ErrMissingAPIKey
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	streamClient := cfg.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      baseURL,
		anonKey:      cfg.AnonKey,
		accessToken:  cfg.AccessToken,
		httpClient:   httpClient,
		streamClient: streamClient,
		logger:       logger,
	}, nil
}

// WithAccessToken returns a copy of the client that authenticates with token.
func (c *Client) WithAccessToken(token string) *Client {
	copied := *c
	copied.accessToken = token
	return &copied
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (protocol.LoginResponse, error) {
	var response protocol.LoginResponse
	err := c.call(ctx, http.MethodPost, "/auth/login", false, protocol.LoginRequest{Email: email, Password: password}, &response)
	return response, err
}

// Me returns the signed-in profile.
func (c *Client) Me(ctx context.Context) (protocol.MeResponse, error) {
	var response protocol.MeResponse
	err := c.call(ctx, http.MethodGet, "/me", true, nil, &response)
	return response, err
}

// SetDisplayName updates the profile display name.
func (c *Client) SetDisplayName(ctx context.Context, displayName string) (protocol.MeResponse, error) {
	var response protocol.MeResponse
	err := c.call(ctx, http.MethodPut, "/me/display-name", true, protocol.DisplayNameRequest{DisplayName: displayName}, &response)
	return response, err
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, authenticated bool, body any) (*http.Request, error) {
	if authenticated && c.accessToken == "" {
		return nil, ErrNotSignedIn
	}
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, nil), reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set(protocol.HeaderAPIKey, c.anonKey)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return request, nil
}

// call performs one request and decodes a 2xx body into out. Non-2xx responses become
// *APIError, with the conflict lease attached through conflict when requested.
func (c *Client) call(ctx context.Context, method, path string, authenticated bool, body, out any) error {
	_, err := c.callWithConflict(ctx, method, path, authenticated, body, out)
	return err
}

func (c *Client) callWithConflict(ctx context.Context, method, path string, authenticated bool, body, out any) (*protocol.ErrorBody, error) {
	request, err := c.newRequest(ctx, method, path, authenticated, body)
	if err != nil {
		return nil, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if out == nil || response.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, response.Body)
			return nil, nil
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("remote: decode %s %s: %w", method, path, err)
		}
		return nil, nil
	}

	var errorBody protocol.ErrorBody
	payload, _ := io.ReadAll(io.LimitReader(response.Body, 64<<10))
	if err := json.Unmarshal(payload, &errorBody); err != nil || errorBody.Code == "" {
		errorBody = protocol.ErrorBody{Code: protocol.CodeInternal, Message: strings.TrimSpace(string(payload))}
	}
	apiErr := &APIError{Status: response.StatusCode, Code: errorBody.Code, Message: errorBody.Message}
	c.logger.Debug("remote call failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("code", errorBody.Code))
	return &errorBody, apiErr
}
