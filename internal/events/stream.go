package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/registry"
)

// Stream timing defaults.
const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// Stream serves broker events over a websocket. Query parameters "service"
// and "type" may be repeated to filter the stream.
type Stream struct {
	broker       *Broker
	upgrader     websocket.Upgrader
	logger       observability.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithStreamLogger sets the stream logger.
func WithStreamLogger(logger observability.Logger) StreamOption {
	return func(s *Stream) {
		s.logger = logger
	}
}

// WithPingInterval sets how often idle connections are pinged.
func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) {
		s.pingInterval = d
	}
}

// NewStream creates a websocket stream over b.
func NewStream(b *Broker, opts ...StreamOption) *Stream {
	s := &Stream{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The admin listener is not exposed to browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:       observability.NopLogger(),
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the connection and streams events until either side
// closes.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := Filter{Services: r.URL.Query()["service"]}
	for _, t := range r.URL.Query()["type"] {
		filter.Types = append(filter.Types, registry.EventType(t))
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", observability.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.broker.Subscribe(filter)
	defer sub.Close()

	remote := r.RemoteAddr
	s.logger.Info("event stream opened",
		observability.String("remote", remote),
		observability.Strings("services", filter.Services),
	)

	// Reads only detect the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Info("event stream closed by peer", observability.String("remote", remote))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(s.writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed",
					observability.String("remote", remote),
					observability.Error(err),
				)
				return
			}
		}
	}
}
