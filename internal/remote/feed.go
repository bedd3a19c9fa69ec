package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aleksrv/clubsync/chat"
	"github.com/aleksrv/clubsync/internal/logging"
)

// Feed errors.
var ErrFeedAlreadyRunning = errors.New("feed already running")

const (
	defaultDialTimeout       = 5 * time.Second
	defaultReconnectInterval = 2 * time.Second
)

// FeedHandler receives normalized push-feed events.
type FeedHandler func(chat.FeedEvent)

// Feed maintains a websocket subscription to the remote store's push feed
// for both conversation kinds, redialing with a fixed backoff when the
// connection drops. A dropped feed never propagates an error to the
// handler; it just reconnects and resubscribes.
type Feed struct {
	url               string
	token             string
	handler           FeedHandler
	logger            zerolog.Logger
	dialer            *websocket.Dialer
	reconnectInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithReconnectInterval overrides the redial backoff.
func WithReconnectInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		if d > 0 {
			f.reconnectInterval = d
		}
	}
}

// NewFeed creates a Feed for the websocket endpoint at url.
func NewFeed(url, token string, handler FeedHandler, opts ...FeedOption) *Feed {
	f := &Feed{
		url:     url,
		token:   token,
		handler: handler,
		logger:  logging.Component("remote-feed"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultDialTimeout,
		},
		reconnectInterval: defaultReconnectInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// subscribeFrame asks the feed to deliver one conversation kind's events.
type subscribeFrame struct {
	Action string    `json:"action"`
	Kind   chat.Kind `json:"kind"`
}

// Start begins the subscribe/read/reconnect loop in the background.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return ErrFeedAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.run(ctx)
	return nil
}

// Stop tears down the connection and waits for the read loop to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	f.wg.Wait()
}

func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := f.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn().Err(err).Msg("feed connection lost, reconnecting")
		}
		if !sleepCtx(ctx, f.reconnectInterval) {
			return
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	conn, _, err := f.dialer.DialContext(ctx, f.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when the context is cancelled so ReadJSON unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for _, kind := range []chat.Kind{chat.KindClub, chat.KindDirect} {
		if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Kind: kind}); err != nil {
			return err
		}
	}

	f.logger.Info().Str("url", f.url).Msg("feed connected")

	for {
		var event chat.FeedEvent
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		if event.Type != chat.FeedInsert && event.Type != chat.FeedDelete {
			f.logger.Debug().Str("event", string(event.Type)).Msg("ignoring unknown feed event type")
			continue
		}
		if f.handler != nil {
			f.handler(event)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
