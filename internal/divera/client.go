package divera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public Divera 24/7 server.
	DefaultBaseURL = "https://www.divera247.com"

	// DefaultTimeout bounds a single pull or push request.
	DefaultTimeout = 10 * time.Second

	// PullPath returns everything the account may see.
	PullPath = "/api/v2/pull/all"

	// StatusPath sets the user's status.
	StatusPath = "/api/v2/statusgeber/set-status"
)

// Query parameter names of the Divera API.
const (
	paramAccessKey    = "accesskey"
	paramUCR          = "ucr"
	paramNews         = "news"
	paramEvent        = "event"
	paramStatusplan   = "statusplan"
	paramLocalmonitor = "localmonitor"
	paramMonitor      = "monitor"
)

// Transport is the HTTP connection shared by every membership talking to
// the same Divera server. It is safe for concurrent use.
type Transport struct {
	http    *resty.Client
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// NewTransport creates a transport for baseURL. An empty baseURL selects
// DefaultBaseURL, a zero timeout selects DefaultTimeout.
func NewTransport(baseURL string, timeout time.Duration, logger *zap.Logger) *Transport {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := resty.New()
	r.SetBaseURL(baseURL)
	r.SetTimeout(timeout)
	r.SetHeader("Accept", "application/json")
	r.SetLogger(logger.Named("resty").Sugar())

	return &Transport{
		http:    r,
		baseURL: baseURL,
		logger:  logger.Named("divera"),
		now:     time.Now,
	}
}

// BaseURL returns the server the transport talks to.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Client returns a client for one access key. ucrID selects the membership;
// zero lets Divera pick the default one.
func (t *Transport) Client(accessKey string, ucrID int) *Client {
	return &Client{
		transport: t,
		accessKey: accessKey,
		ucrID:     ucrID,
		logger:    t.logger.With(zap.Int("ucr", ucrID)),
	}
}

// endpoint returns the URL of path without any query string; it is the only
// form of a request URL that may be logged.
func (t *Transport) endpoint(path string) string {
	return t.baseURL + path
}

// Client pulls data for, and pushes status changes of, one membership.
// It does not retry; the caller schedules the next attempt.
type Client struct {
	transport *Transport
	accessKey string
	ucrID     int
	logger    *zap.Logger
}

// UCRID returns the membership id the client is bound to (0 = default).
func (c *Client) UCRID() int {
	return c.ucrID
}

// BaseURL returns the server the client talks to.
func (c *Client) BaseURL() string {
	return c.transport.baseURL
}

// statusRequest is the body of a set-status call: {"Status":{"id":N}}.
type statusRequest struct {
	Status statusRef `json:"Status"`
}

type statusRef struct {
	ID int `json:"id"`
}

// Pull fetches the complete data set and returns it as a new Snapshot.
//
// Returns an error wrapping ErrAuth on HTTP 401 and ErrConnection on any
// other failure, including a body that is not valid JSON.
func (c *Client) Pull(ctx context.Context) (*Snapshot, error) {
	fetchedAt := c.transport.now()
	ts := strconv.FormatInt(fetchedAt.Unix(), 10)

	params := map[string]string{
		paramAccessKey:    c.accessKey,
		paramNews:         ts,
		paramEvent:        ts,
		paramStatusplan:   ts,
		paramLocalmonitor: ts,
		paramMonitor:      ts,
	}
	if c.ucrID != 0 {
		params[paramUCR] = strconv.Itoa(c.ucrID)
	}

	resp, err := c.transport.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(PullPath)
	if err != nil {
		return nil, c.transportError(PullPath, err)
	}
	if err := c.checkResponse(PullPath, resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Error("Unexpected response while pulling data",
			zap.Int("status", resp.StatusCode()),
			zap.String("url", c.transport.endpoint(PullPath)))
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrConnection, PullPath, resp.StatusCode())
	}

	var payload PullResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		c.logger.Error("Failed to decode pull response",
			zap.String("url", c.transport.endpoint(PullPath)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: decoding pull response: %v", ErrConnection, err)
	}

	c.logger.Debug("Values updated", zap.Time("fetched_at", fetchedAt))
	return NewSnapshot(&payload, fetchedAt), nil
}

// SetStatus sets the user's status in the bound membership.
func (c *Client) SetStatus(ctx context.Context, statusID int) error {
	params := map[string]string{
		paramAccessKey: c.accessKey,
	}
	if c.ucrID != 0 {
		params[paramUCR] = strconv.Itoa(c.ucrID)
	}

	resp, err := c.transport.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetHeader("Content-Type", "application/json").
		SetBody(statusRequest{Status: statusRef{ID: statusID}}).
		Post(StatusPath)
	if err != nil {
		return c.transportError(StatusPath, err)
	}
	if err := c.checkResponse(StatusPath, resp); err != nil {
		return err
	}

	c.logger.Info("Status set", zap.Int("status_id", statusID))
	return nil
}

// checkResponse maps HTTP error statuses to error kinds.
func (c *Client) checkResponse(path string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}

	c.logger.Error("Error response from Divera",
		zap.Int("status", resp.StatusCode()),
		zap.String("url", c.transport.endpoint(path)))

	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s returned HTTP %d", ErrAuth, path, resp.StatusCode())
	}
	return fmt.Errorf("%w: %s returned HTTP %d", ErrConnection, path, resp.StatusCode())
}

// transportError logs and wraps a failure below HTTP (DNS, TCP, timeout,
// cancellation). The access key is stripped from the error first.
func (c *Client) transportError(path string, err error) error {
	err = scrubError(err)
	c.logger.Error("An error occurred while requesting Divera",
		zap.String("url", c.transport.endpoint(path)),
		zap.Error(err))
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// scrubError removes the query string from a *url.Error, which net/http
// fills with the full request URL.
func scrubError(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	return &url.Error{Op: ue.Op, URL: stripQuery(ue.URL), Err: ue.Err}
}

// stripQuery returns rawURL without its query string.
func stripQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
