// Package push maintains the persistent per-scenario push channel. Inbound
// frames are routed to a handler; connection drops reconnect with capped
// backoff and are never surfaced to the data path.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Push event names delivered by the server.
const (
	EventConversationCreated = "conversation.created"
	EventMessageCreated      = "message.created"
	EventMentionCreated      = "mention.created"
	EventTyping              = "typing"
)

const (
	defaultReconnectDelay = 2 * time.Second
	maxReconnectDelay     = 60 * time.Second
	readLimitBytes        = 1 << 20
)

var (
	errMissingURL     = errors.New("push: websocket url is required")
	errMissingScope   = errors.New("push: scenario id is required")
	errMissingHandler = errors.New("push: frame handler is required")
)

// Frame is one inbound push message. NotifiedByPush marks events the push
// service already presented as a system notification, so the engine must not
// synthesize a second one.
type Frame struct {
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	NotifiedByPush bool            `json:"notifiedByPush,omitempty"`
}

// Handler consumes inbound frames. It runs on the channel's read goroutine
// and must not block.
type Handler func(frame Frame)

// ChannelConfig describes one scenario-scoped subscription.
type ChannelConfig struct {
	URL        string
	Token      string
	ScenarioID string
	Handler    Handler
	Logger     *zap.Logger
	Dialer     *websocket.Dialer
}

// Channel is a persistent, self-reconnecting subscription for one scenario.
type Channel struct {
	cfg    ChannelConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// Open validates the configuration and starts the connection loop. The
// channel stays subscribed until Close or context cancellation.
func Open(ctx context.Context, cfg ChannelConfig) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if strings.TrimSpace(cfg.ScenarioID) == "" {
		return nil, errMissingScope
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	runCtx, cancel := context.WithCancel(ctx)
	channel := &Channel{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go channel.run(runCtx)
	return channel, nil
}

// Close terminates the subscription and waits for the read loop to exit.
func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	delay := defaultReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.cfg.Logger.Warn("push channel dial failed",
				zap.String("scenario_id", c.cfg.ScenarioID),
				zap.Error(err))
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = defaultReconnectDelay
		c.readLoop(ctx, conn)
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/scenarios/" + c.cfg.ScenarioID
	conn, _, err := c.cfg.Dialer.DialContext(ctx, endpoint, header)
	return conn, err
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(readLimitBytes)

	// The watcher unblocks ReadMessage on cancellation and exits with the
	// connection, not with the channel.
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.cfg.Logger.Warn("push channel read failed",
					zap.String("scenario_id", c.cfg.ScenarioID),
					zap.Error(err))
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.cfg.Logger.Debug("push frame discarded", zap.Error(err))
			continue
		}
		if frame.Event == "" {
			continue
		}
		c.cfg.Handler(frame)
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

func nextDelay(current time.Duration) time.Duration {
	next := current * 2
	if next > maxReconnectDelay {
		return maxReconnectDelay
	}
	return next
}
