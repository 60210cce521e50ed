package bluesky

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/skyrelay/skyrelay/src/encdec"
)

const (
	createSessionPath     = "/xrpc/com.atproto.server.createSession"
	getTimelinePath       = "/xrpc/app.bsky.feed.getTimeline"
	listNotificationsPath = "/xrpc/app.bsky.notification.listNotifications"
)

// Client is a minimal XRPC client: session creation plus the two paginated
// stream endpoints the relay consumes.
type Client struct {
	service string
	http    *fasthttp.Client
	timeout time.Duration

	mu        sync.Mutex
	accessJwt string
	did       string
}

func NewClient(service string, timeout time.Duration) *Client {
	return &Client{
		service: service,
		http:    &fasthttp.Client{Name: "skyrelay"},
		timeout: timeout,
	}
}

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
}

// CreateSession authenticates and stores the session token for subsequent
// calls.
func (c *Client) CreateSession(identifier, password string) error {
	body, err := encdec.EncodeJSON(&createSessionRequest{Identifier: identifier, Password: password})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.service + createSessionPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return fmt.Errorf("createSession request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("createSession status %d: %s", resp.StatusCode(), resp.Body())
	}

	var session createSessionResponse
	if err := encdec.DecodeJSON(resp.Body(), &session); err != nil {
		return fmt.Errorf("createSession decode: %w", err)
	}
	if session.AccessJwt == "" {
		return fmt.Errorf("createSession returned empty access token")
	}

	c.mu.Lock()
	c.accessJwt = session.AccessJwt
	c.did = session.DID
	c.mu.Unlock()
	return nil
}

// Authenticated reports whether a session token is held.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessJwt != ""
}

// DID returns the authenticated account identifier.
func (c *Client) DID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.did
}

// clearSession drops the token so the next Open re-authenticates.
func (c *Client) clearSession() {
	c.mu.Lock()
	c.accessJwt = ""
	c.mu.Unlock()
}

// page is the common shape of both paginated stream endpoints.
type page struct {
	Cursor        string            `json:"cursor"`
	Feed          []json.RawMessage `json:"feed"`
	Notifications []json.RawMessage `json:"notifications"`
}

func (p *page) items() []json.RawMessage {
	if len(p.Feed) > 0 {
		return p.Feed
	}
	return p.Notifications
}

// FetchTimeline returns one page of timeline posts starting at cursor.
func (c *Client) FetchTimeline(cursor string, limit int) ([][]byte, string, error) {
	return c.fetchPage(getTimelinePath, cursor, limit)
}

// FetchNotifications returns one page of notifications starting at cursor.
func (c *Client) FetchNotifications(cursor string, limit int) ([][]byte, string, error) {
	return c.fetchPage(listNotificationsPath, cursor, limit)
}

func (c *Client) fetchPage(path, cursor string, limit int) ([][]byte, string, error) {
	c.mu.Lock()
	token := c.accessJwt
	c.mu.Unlock()

	args := url.Values{}
	args.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		args.Set("cursor", cursor)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.service + path + "?" + args.Encode())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+token)

	if err := c.http.DoTimeout(req, resp, c.timeout); err != nil {
		return nil, cursor, fmt.Errorf("fetch %s: %w", path, err)
	}
	if resp.StatusCode() == fasthttp.StatusUnauthorized {
		c.clearSession()
		return nil, cursor, fmt.Errorf("fetch %s: session expired", path)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, cursor, fmt.Errorf("fetch %s: status %d", path, resp.StatusCode())
	}

	var p page
	if err := encdec.DecodeJSON(resp.Body(), &p); err != nil {
		return nil, cursor, fmt.Errorf("fetch %s: decode: %w", path, err)
	}

	// Copy each item out: the decoded slices may alias the response buffer,
	// which is recycled on release.
	raw := p.items()
	items := make([][]byte, len(raw))
	for i, it := range raw {
		items[i] = append([]byte(nil), it...)
	}
	next := p.Cursor
	if next == "" {
		next = cursor
	}
	return items, next, nil
}
