package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
)

const (
	DefaultBaseURL     = "https://api.github.com"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxLogBytes = 512 * 1024
	apiVersion         = "2022-11-28"
	maxErrorBody       = 4096
)

// ErrNoCredentials is returned when neither a token nor a GitHub App is configured.
var ErrNoCredentials = errors.New("github: no token or app credentials configured")

type Config struct {
	BaseURL        string
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	MaxLogBytes    int
	HTTPClient     *http.Client
}

// Client is the HTTPS API access path.
type Client struct {
	baseURL        string
	staticToken    string
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	httpClient     *http.Client
	timeout        time.Duration
	maxLogBytes    int

	mu    sync.Mutex
	token string
	expAt time.Time
}

var _ Host = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		staticToken:    strings.TrimSpace(cfg.Token),
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		httpClient:     cfg.HTTPClient,
		timeout:        cfg.Timeout,
		maxLogBytes:    cfg.MaxLogBytes,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxLogBytes <= 0 {
		c.maxLogBytes = DefaultMaxLogBytes
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	if c.staticToken == "" {
		if cfg.AppID == 0 || cfg.PrivateKeyPath == "" {
			return nil, ErrNoCredentials
		}
		key, err := loadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		c.privateKey = key
	}
	return c, nil
}

func (c *Client) Path() string { return "api" }

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func loadPrivateKey(keyPath string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	pkcs8Key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pkcs8Key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// SECURITY: GitHub Apps authenticate with an RS256-signed JWT.
// 10 min expiry; refreshed with 1 min safety buffer.
func (c *Client) makeJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(c.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.privateKey)
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type installationInfo struct {
	ID int64 `json:"id"`
}

func (c *Client) appRequest(ctx context.Context, method, path string) (*http.Response, error) {
	jwtStr, err := c.makeJWT()
	if err != nil {
		return nil, fmt.Errorf("sign JWT: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtStr)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	return c.httpClient.Do(req)
}

func (c *Client) ensureInstallationID(ctx context.Context) error {
	if c.installationID != 0 {
		return nil
	}

	resp, err := c.appRequest(ctx, http.MethodGet, "/app/installations?per_page=100")
	if err != nil {
		return core.Wrap(core.KindTransientHost, "discover installation id", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newAPIError("discover installation id", resp)
	}

	var installations []installationInfo
	if err := json.NewDecoder(resp.Body).Decode(&installations); err != nil {
		return fmt.Errorf("decode installations response: %w", err)
	}

	if len(installations) == 0 {
		return core.Errorf(core.KindPermanentHost, "no installation found for this GitHub App")
	}
	if len(installations) > 1 {
		return core.Errorf(core.KindPermanentHost, "multiple installations found (%d), set GITHUB_INSTALLATION_ID explicitly", len(installations))
	}

	c.installationID = installations[0].ID
	return nil
}

func (c *Client) authToken(ctx context.Context) (string, error) {
	if c.staticToken != "" {
		return c.staticToken, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureInstallationID(ctx); err != nil {
		return "", err
	}

	if c.token != "" && time.Now().Before(c.expAt.Add(-time.Minute)) {
		return c.token, nil
	}

	resp, err := c.appRequest(ctx, http.MethodPost, fmt.Sprintf("/app/installations/%d/access_tokens", c.installationID))
	if err != nil {
		return "", core.Wrap(core.KindTransientHost, "request installation token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", newAPIError("installation token", resp)
	}

	var tok installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.token = tok.Token
	c.expAt = tok.ExpiresAt
	return c.token, nil
}

// request is one API round trip. Responses whose status is not in want are consumed and
// turned into *APIError; the caller owns the body of accepted responses.
func (c *Client) request(ctx context.Context, op, method, path string, body any, accept string, want ...int) (*http.Response, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.baseURL + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.IncHostCall("api", op, "error")
		return nil, core.Wrap(core.KindTransientHost, op, err)
	}
	for _, code := range want {
		if resp.StatusCode == code {
			telemetry.IncHostCall("api", op, "ok")
			return resp, nil
		}
	}
	defer resp.Body.Close()
	telemetry.IncHostCall("api", op, "error")
	return nil, newAPIError(op, resp)
}

// doJSON issues a request expecting one of want and decodes the JSON body into out.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any, want ...int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	resp, err := c.request(ctx, op, method, path, body, "", want...)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.Wrap(core.KindPermanentHost, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func repoPath(repo RepoRef, format string, args ...any) string {
	return "/repos/" + repo.Owner + "/" + repo.Name + fmt.Sprintf(format, args...)
}

// APIError is a non-success HTTP response from the API.
type APIError struct {
	Operation   string
	StatusCode  int
	Body        string
	RetryAfter  time.Duration
	RateLimited bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

func (e *APIError) ErrorKind() core.Kind {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode >= 500 && e.StatusCode <= 599:
		return core.KindTransientHost
	case e.StatusCode == http.StatusForbidden && e.RateLimited:
		return core.KindTransientHost
	case e.StatusCode == http.StatusNotFound, e.StatusCode == http.StatusGone:
		return core.KindNotFound
	default:
		return core.KindPermanentHost
	}
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

func newAPIError(op string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	telemetry.IncGitHubAPIError(op, resp.StatusCode)
	return &APIError{
		Operation:   op,
		StatusCode:  resp.StatusCode,
		Body:        strings.TrimSpace(string(body)),
		RetryAfter:  retryAfterDuration(resp),
		RateLimited: resp.Header.Get("X-RateLimit-Remaining") == "0",
	}
}

func retryAfterDuration(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
				if d := time.Until(time.Unix(reset, 0)); d > 0 {
					return d
				}
			}
		}
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}
	return 0
}
