// Package cloud is the Cloud Client: paginated catch-up reads and a live
// subscription stream against the remote event source, over plain HTTP
// and a gorilla/websocket session respectively.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dsifry/metarelay/internal/event"
	merrors "github.com/dsifry/metarelay/internal/errors"
)

const DefaultCatchupLimit = 100

// Client is the port the daemon loop depends on; a fake implementation
// backs the component's tests without a network.
type Client interface {
	FetchSince(ctx context.Context, repo string, afterRemoteID int64, limit int) ([]event.Event, error)
	Subscribe(ctx context.Context, repo string) (<-chan event.Event, error)
}

// HTTPClient is the production Client: REST catch-up over net/http, live
// updates over a websocket session carrying a small JSON envelope
// protocol.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchSince fetches events strictly after afterRemoteID, ordered by
// remote_id ascending, up to limit rows (DefaultCatchupLimit if <= 0).
func (c *HTTPClient) FetchSince(ctx context.Context, repo string, afterRemoteID int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = DefaultCatchupLimit
	}

	q := url.Values{}
	q.Set("repo", "eq."+repo)
	q.Set("id", "gt."+strconv.FormatInt(afterRemoteID, 10))
	q.Set("order", "id.asc")
	q.Set("limit", strconv.Itoa(limit))

	reqURL := fmt.Sprintf("%s/events?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, merrors.Internal(fmt.Sprintf("build catch-up request: %v", err))
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, merrors.TransientNetwork(fmt.Sprintf("fetch events for %s: %v", repo, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var rows []apiEvent
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, merrors.TransientNetwork(fmt.Sprintf("decode catch-up response for %s: %v", repo, err))
	}

	events := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toEvent())
	}
	return events, nil
}

// Subscribe opens a live websocket session and returns a channel of
// events as they arrive, in upstream arrival order. The channel closes
// on disconnect; callers must treat that as "fall back to catch-up".
func (c *HTTPClient) Subscribe(ctx context.Context, repo string) (<-chan event.Event, error) {
	wsURL, err := c.websocketURL(repo)
	if err != nil {
		return nil, merrors.Internal(fmt.Sprintf("build subscribe URL: %v", err))
	}

	header := http.Header{}
	header.Set("apikey", c.apiKey)
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			if statusErr := classifyStatus(resp.StatusCode); statusErr != nil {
				return nil, statusErr
			}
		}
		return nil, merrors.TransientNetwork(fmt.Sprintf("dial subscription for %s: %v", repo, err))
	}

	out := make(chan event.Event)
	go c.readLoop(ctx, conn, out)
	return out, nil
}

func (c *HTTPClient) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- event.Event) {
	defer close(out)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				// Disconnect: the subscription ends; the caller falls back
				// to catch-up and may re-subscribe.
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case "insert":
			select {
			case out <- env.Record.toEvent():
			case <-ctx.Done():
				return
			}
		case "error":
			return
		case "subscribed":
			// control message only, no event to deliver
		}
	}
}

func (c *HTTPClient) websocketURL(repo string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/subscribe"
	q := u.Query()
	q.Set("repo", repo)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *HTTPClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

// classifyStatus maps an HTTP status to the error taxonomy: auth
// rejection and other non-retryable 4xx are fatal, everything else
// (5xx, unexpected codes) is treated as transient.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return merrors.FatalNetwork(fmt.Sprintf("authentication rejected (status %d)", status))
	case status >= 400 && status < 500:
		return merrors.FatalNetwork(fmt.Sprintf("non-retryable status %d", status))
	default:
		return merrors.TransientNetwork(fmt.Sprintf("retryable status %d", status))
	}
}
