// Package feed connects to the upstream market-data WebSocket and pushes
// every accepted tick into the sequencer. The feed owns reconnection; the
// sequencer owns ordering. Nothing downstream sees a tick the sequencer
// rejected.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/observability"
	"github.com/coachbot/tradeexec/internal/ticks"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// alertAfterFailures is how many consecutive failed connections trigger
	// a feed_disconnect alert. One alert per outage, re-armed on recovery.
	alertAfterFailures = 5

	// cacheQueueSize bounds the tick-cache mirror queue. The mirror is
	// best-effort; when the queue is full the tick is simply not mirrored.
	cacheQueueSize = 256
)

// TickHandler is called synchronously for each tick the sequencer accepts.
type TickHandler func(ctx context.Context, tick domain.Tick)

// Alerter delivers operator alerts. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// subscribeCommand is the upstream subscription message.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// wireTick is the upstream tick message.
type wireTick struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Size      int64   `json:"size"`
	Timestamp int64   `json:"ts"`
	Sequence  int64   `json:"seq"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	BidSize   int64   `json:"bid_size"`
	AskSize   int64   `json:"ask_size"`
	Side      string  `json:"side"`
}

// WSFeed subscribes to the configured symbols on the market-data WebSocket,
// sequences incoming ticks, and invokes the handler for each accepted one.
// Accepted ticks are also mirrored to the tick cache off the read loop.
// It reconnects with exponential backoff on disconnect.
type WSFeed struct {
	wsURL     string
	symbols   []string
	sequencer *ticks.Sequencer
	onTick    TickHandler

	cache   domain.TickCache       // optional
	metrics *observability.Metrics // optional
	alerter Alerter                // optional

	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a feed for the given symbols. cache, metrics, and alerter
// may each be nil.
func NewWSFeed(wsURL string, symbols []string, sequencer *ticks.Sequencer, onTick TickHandler, cache domain.TickCache, metrics *observability.Metrics, alerter Alerter, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:     wsURL,
		symbols:   symbols,
		sequencer: sequencer,
		onTick:    onTick,
		cache:     cache,
		metrics:   metrics,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "ws_feed")),
		done:      make(chan struct{}),
	}
}

// Run connects and reads until ctx is cancelled or Close is called.
// Reconnects with backoff on disconnect.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	cacheQueue := make(chan domain.Tick, cacheQueueSize)
	go f.mirrorLoop(ctx, cacheQueue)

	delay := reconnectDelay
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx, cacheQueue)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		if f.metrics != nil {
			f.metrics.FeedReconnects.Inc()
		}
		if failures == alertAfterFailures && f.alerter != nil {
			_ = f.alerter.Notify(ctx, "feed_disconnect", "Market data feed down",
				fmt.Sprintf("%d consecutive connection failures to %s: %v", failures, f.wsURL, err))
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("failures", failures),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials, subscribes, and reads until the connection drops. A
// clean shutdown via ctx or Close returns nil.
func (f *WSFeed) runConnection(ctx context.Context, cacheQueue chan<- domain.Tick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := writeJSON(subscribeCommand{Type: "subscribe", Symbols: f.symbols}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("feed subscribed", slog.Int("symbols", len(f.symbols)))

	// Unblock the read loop when the context ends or Close is called, and
	// keep the connection alive with pings in between.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-f.done:
				conn.Close()
				return
			case <-connDone:
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, raw, cacheQueue)
	}
}

// handleMessage decodes one frame and routes any tick through the sequencer.
func (f *WSFeed) handleMessage(ctx context.Context, raw []byte, cacheQueue chan<- domain.Tick) {
	var msg wireTick
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.Debug("unparseable feed message", slog.String("error", err.Error()))
		f.countRejected("")
		return
	}

	switch msg.Type {
	case "tick":
	case "error":
		f.logger.Warn("feed error message", slog.String("raw", string(raw)))
		return
	default:
		// Heartbeats, subscription acks, and anything else we do not read.
		return
	}

	tick := domain.Tick{
		Symbol:      msg.Symbol,
		Price:       msg.Price,
		Size:        msg.Size,
		TimestampMs: msg.Timestamp,
		Sequence:    msg.Sequence,
		Bid:         msg.Bid,
		Ask:         msg.Ask,
		BidSize:     msg.BidSize,
		AskSize:     msg.AskSize,
		Aggressor:   domain.AggressorSide(msg.Side),
	}

	if !f.sequencer.Ingest(tick) {
		f.countRejected(ticks.NormalizeSymbol(msg.Symbol))
		return
	}
	tick.Symbol = ticks.NormalizeSymbol(tick.Symbol)

	if f.metrics != nil {
		f.metrics.TicksAccepted.WithLabelValues(tick.Symbol).Inc()
	}
	if f.onTick != nil {
		f.onTick(ctx, tick)
	}

	// Best-effort mirror; never block the read loop on the cache.
	select {
	case cacheQueue <- tick:
	default:
	}
}

func (f *WSFeed) countRejected(symbol string) {
	if f.metrics == nil {
		return
	}
	if symbol == "" {
		symbol = "unknown"
	}
	f.metrics.TicksRejected.WithLabelValues(symbol).Inc()
}

// mirrorLoop drains the cache queue for the life of the feed. Cache failures
// are logged and dropped; the cache is a convenience view, not a dependency.
func (f *WSFeed) mirrorLoop(ctx context.Context, queue <-chan domain.Tick) {
	if f.cache == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case tick := <-queue:
			if err := f.cache.SetLatest(ctx, tick); err != nil {
				f.logger.Debug("tick cache write failed",
					slog.String("symbol", tick.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
