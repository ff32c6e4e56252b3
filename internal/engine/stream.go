package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// StreamConfig configures the event stream
type StreamConfig struct {
	URL        string
	ClientID   string
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Stream keeps a websocket to the engine open and delivers decoded events to subscribers.
// Handlers run on the read goroutine, one event at a time, in arrival order.
type Stream struct {
	config StreamConfig
	dialer *websocket.Dialer
	logger arbor.ILogger

	mu          sync.Mutex
	handlers    []func(Event)
	conn        *websocket.Conn
	skipBackoff bool
}

// NewStream creates an unstarted stream
func NewStream(config StreamConfig, logger arbor.ILogger) *Stream {
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}
	if config.MaxBackoff < config.Backoff {
		config.MaxBackoff = config.Backoff
	}
	return &Stream{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Subscribe registers a handler for every event
func (s *Stream) Subscribe(handler func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Reconnect drops the current connection; Run redials immediately
func (s *Stream) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	// Only the drop this call causes skips the backoff
	if conn != nil {
		s.skipBackoff = true
	}
	s.mu.Unlock()

	if conn == nil {
		s.logger.Debug().Msg("Engine stream reconnect ignored while disconnected")
		return
	}
	s.logger.Info().Msg("Engine stream reconnect requested")
	conn.Close()
}

// Run dials, reads until the connection drops, and redials with exponential backoff until ctx is done
func (s *Stream) Run(ctx context.Context) {
	backoff := s.config.Backoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.config.URL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", s.config.URL).Dur("retry_in", backoff).Msg("Engine stream dial failed")
			if !sleepContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.config.MaxBackoff)
			continue
		}

		backoff = s.config.Backoff
		s.setConn(conn)
		s.logger.Info().Str("url", s.config.URL).Msg("Engine stream connected")
		s.emit(ConnectedEvent{ClientID: s.config.ClientID})

		// Close the socket when ctx ends so ReadMessage unblocks
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		readErr := s.readLoop(conn)
		stop()

		s.setConn(nil)
		conn.Close()
		s.emit(DisconnectedEvent{Err: readErr})

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(readErr).Msg("Engine stream disconnected")

		s.mu.Lock()
		immediate := s.skipBackoff
		s.skipBackoff = false
		s.mu.Unlock()
		if immediate {
			continue
		}
		if !sleepContext(ctx, backoff) {
			return
		}
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		switch messageType {
		case websocket.TextMessage:
			ev, err = DecodeText(data)
		case websocket.BinaryMessage:
			ev, err = DecodeBinary(data)
		default:
			continue
		}
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				s.logger.Debug().Err(err).Msg("Dropping engine event")
			} else {
				s.logger.Warn().Err(err).Msg("Malformed engine event")
			}
			continue
		}
		s.emit(ev)
	}
}

func (s *Stream) emit(ev Event) {
	s.mu.Lock()
	handlers := make([]func(Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// sleepContext waits for d and reports false if ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
