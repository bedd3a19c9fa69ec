// Package remote talks to the hosted message store: a request/response
// HTTP API for persisting read receipts and fetching the initial unread
// summary, and a websocket push feed delivering message events per
// conversation kind.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/logging"
)

// Client is the request/response surface of the remote store.
type Client interface {
	// MarkConversationRead persists that viewerID has read everything in ref.
	MarkConversationRead(ctx context.Context, ref chat.ConversationRef, viewerID string) error

	// MarkMessageRead persists that viewerID has read one message.
	MarkMessageRead(ctx context.Context, messageID, viewerID string, kind chat.Kind) error

	// FetchUnreadSummary returns the viewer's per-conversation unread counts,
	// used once at startup to seed the local store.
	FetchUnreadSummary(ctx context.Context, viewerID string) (map[chat.ConversationRef]int, error)
}

const defaultRequestTimeout = 10 * time.Second

// HTTPClient implements Client against the hosted backend's JSON API.
type HTTPClient struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates an HTTPClient for the API rooted at baseURL. The
// token, if non-empty, is sent as a bearer credential.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) (*HTTPClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPClient{
		baseURL:    parsed,
		token:      token,
		httpClient: httpClient,
		logger:     logging.Component("remote-client"),
	}, nil
}

type markConversationReadRequest struct {
	ViewerID string `json:"viewerId"`
}

type markMessageReadRequest struct {
	ViewerID string    `json:"viewerId"`
	Kind     chat.Kind `json:"kind"`
}

type unreadSummaryResponse struct {
	Conversations []struct {
		Kind  chat.Kind `json:"kind"`
		ID    string    `json:"id"`
		Count int       `json:"count"`
	} `json:"conversations"`
}

// MarkConversationRead implements Client.
func (c *HTTPClient) MarkConversationRead(ctx context.Context, ref chat.ConversationRef, viewerID string) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	path := fmt.Sprintf("/conversations/%s/%s/read", ref.Kind, url.PathEscape(ref.ID))
	return c.post(ctx, path, markConversationReadRequest{ViewerID: viewerID})
}

// MarkMessageRead implements Client.
func (c *HTTPClient) MarkMessageRead(ctx context.Context, messageID, viewerID string, kind chat.Kind) error {
	if messageID == "" {
		return chat.ErrEmptyMessageID
	}
	path := fmt.Sprintf("/messages/%s/read", url.PathEscape(messageID))
	return c.post(ctx, path, markMessageReadRequest{ViewerID: viewerID, Kind: kind})
}

// FetchUnreadSummary implements Client.
func (c *HTTPClient) FetchUnreadSummary(ctx context.Context, viewerID string) (map[chat.ConversationRef]int, error) {
	reqURL := c.resolve("/unread")
	q := reqURL.Query()
	q.Set("viewer", viewerID)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build unread summary request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unread summary request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unread summary returned status %d", resp.StatusCode)
	}

	var payload unreadSummaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode unread summary: %w", err)
	}

	counts := make(map[chat.ConversationRef]int, len(payload.Conversations))
	for _, conv := range payload.Conversations {
		ref := chat.ConversationRef{Kind: conv.Kind, ID: conv.ID}
		if ref.Validate() != nil {
			c.logger.Warn().Str("conversation", ref.String()).Msg("skipping malformed unread summary entry")
			continue
		}
		counts[ref] = conv.Count
	}
	return counts, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path).String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote store returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) resolve(path string) *url.URL {
	ref := *c.baseURL
	ref.Path, _ = url.JoinPath(c.baseURL.Path, path)
	return &ref
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "clubsync/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
