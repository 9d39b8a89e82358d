package protect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/technosupport/protect-downloader/internal/logging"
	"github.com/technosupport/protect-downloader/internal/nvr"
)

const (
	DefaultSessionTTL = time.Hour
	DefaultMaxRetries = 5

	bootstrapPath = "/proxy/protect/api/bootstrap"
	exportPath    = "/proxy/protect/api/video/export"
	loginPath     = "/api/auth/login"

	csrfHeader    = "X-CSRF-Token"
	errBodySample = 512
)

type Config struct {
	Host       string
	Username   string
	Password   string
	SessionTTL time.Duration
	MaxRetries int
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

type session struct {
	csrfToken string
	cookie    string
	expires   time.Time
}

// Client talks to the Protect application on a UniFi OS console. The login
// session is shared by all callers and refreshed once it expires.
type Client struct {
	host       string
	baseURL    string
	username   string
	password   string
	sessionTTL time.Duration
	maxRetries int
	http       *http.Client
	log        logrus.FieldLogger

	mu        sync.Mutex
	session   *session
	bootstrap *Bootstrap

	now     func() time.Time
	backoff func() backoff.BackOff
}

func NewClient(cfg Config) *Client {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// Consoles ship with self-signed certificates.
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	return &Client{
		host:       cfg.Host,
		baseURL:    "https://" + cfg.Host,
		username:   cfg.Username,
		password:   cfg.Password,
		sessionTTL: cfg.SessionTTL,
		maxRetries: cfg.MaxRetries,
		http:       httpClient,
		log:        logging.Component(cfg.Logger, "protect_client"),
		now:        time.Now,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

func (c *Client) Host() string { return c.host }

// Authenticate makes sure a valid session exists, logging in when the cached
// one is missing or expired.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.currentSession(ctx)
	return err
}

// InvalidateSession forces the next request to log in again.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// Headers returns the session headers for the update feed connection.
func (c *Client) Headers(ctx context.Context) (http.Header, error) {
	s, err := c.currentSession(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Cookie", s.cookie)
	return h, nil
}

func (c *Client) currentSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.now().Before(c.session.expires) {
		c.log.Debug("Using cached authentication")
		return c.session, nil
	}

	c.log.Info("Requesting new authentication")
	s, err := c.login(ctx)
	if err != nil {
		return nil, err
	}
	c.session = s
	return s, nil
}

// login borrows the CSRF token the console's landing page hands out, then
// posts the credentials with it.
func (c *Client) login(ctx context.Context) (*session, error) {
	resp, err := c.send(ctx, "landing", http.MethodGet, "/", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	resp.Body.Close()

	token := resp.Header.Get(csrfHeader)
	if token == "" {
		return nil, fmt.Errorf("%w: no initial CSRF token", ErrAuthentication)
	}

	creds := map[string]string{"username": c.username, "password": c.password}
	header := http.Header{}
	header.Set(csrfHeader, token)

	resp, err = c.send(ctx, "login", http.MethodPost, loginPath, nil, creds, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	s := &session{
		csrfToken: resp.Header.Get(csrfHeader),
		cookie:    cookieHeader(resp.Cookies()),
		expires:   c.now().Add(c.sessionTTL),
	}
	if s.csrfToken == "" || s.cookie == "" {
		return nil, fmt.Errorf("%w: login response missing session details", ErrAuthentication)
	}
	return s, nil
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// Bootstrap fetches the console snapshot and keeps it for camera lookups.
func (c *Client) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	resp, err := c.authorized(ctx, "bootstrap", http.MethodGet, bootstrapPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var b Bootstrap
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}

	c.mu.Lock()
	c.bootstrap = &b
	c.mu.Unlock()

	names := make([]string, 0, len(b.Cameras))
	for _, cam := range b.Cameras {
		names = append(names, cam.ID+" : "+cam.Name)
	}
	c.log.WithField("cameras", names).Info("Found cameras")
	return &b, nil
}

// Cameras returns the cameras from the last bootstrap.
func (c *Client) Cameras() []Camera {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrap == nil {
		return nil
	}
	return append([]Camera(nil), c.bootstrap.Cameras...)
}

func (c *Client) Camera(id string) (Camera, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrap.Camera(id)
}

func (c *Client) LastUpdateID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrap == nil {
		return ""
	}
	return c.bootstrap.LastUpdateID
}

// ExportVideo requests an mp4 of the camera between start and end. The
// caller must close the returned stream.
func (c *Client) ExportVideo(ctx context.Context, cameraID string, start, end nvr.Timestamp, filename string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("camera", cameraID)
	q.Set("start", strconv.FormatInt(int64(start), 10))
	q.Set("end", strconv.FormatInt(int64(end), 10))
	q.Set("channel", "0")
	if filename != "" {
		q.Set("filename", filename)
	}

	resp, err := c.authorized(ctx, "export", http.MethodGet, exportPath, q)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// authorized sends a request with the session headers. A rejected session is
// dropped so the retry logs in again.
func (c *Client) authorized(ctx context.Context, op, method, path string, query url.Values) (*http.Response, error) {
	return backoff.RetryWithData(func() (*http.Response, error) {
		s, err := c.currentSession(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		header := http.Header{}
		header.Set("Cookie", s.cookie)
		header.Set(csrfHeader, s.csrfToken)

		resp, err := c.attempt(ctx, op, method, path, query, nil, header)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			c.log.WithField("op", op).Warn("Session rejected, re-authenticating")
			c.InvalidateSession()
			return nil, httpErr
		}
		return resp, err
	}, c.retryPolicy(ctx))
}

// send performs an unauthenticated request with retries.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body any, header http.Header) (*http.Response, error) {
	return backoff.RetryWithData(func() (*http.Response, error) {
		return c.attempt(ctx, op, method, path, query, body, header)
	}, c.retryPolicy(ctx))
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(c.backoff(), uint64(c.maxRetries)), ctx)
}

// attempt performs one request. Network errors, 5xx and 429 are retryable;
// other failures are permanent.
func (c *Client) attempt(ctx context.Context, op, method, path string, query url.Values, body any, header http.Header) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, backoff.Permanent(err)
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		c.log.WithError(err).WithField("op", op).Debug("Request failed, retrying")
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	sample, _ := io.ReadAll(io.LimitReader(resp.Body, errBodySample))
	resp.Body.Close()
	httpErr := &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: string(sample)}
	if httpErr.Temporary() {
		return nil, httpErr
	}
	return nil, backoff.Permanent(httpErr)
}
