package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Cypherspark/agent-desk/internal/metrics"
)

var ErrNotConnected = errors.New("transport_not_connected")

// Handler receives inbound envelopes, one at a time, in arrival order.
type Handler func(Envelope)

type Options struct {
	URL          string
	Header       http.Header
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	StableAfter  time.Duration // a connection older than this resets the backoff
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
}

// Session owns the single live socket. It does not retry or queue sends;
// callers that need delivery across disconnects go through the outbox.
type Session struct {
	opt Options
	log *slog.Logger

	mu           sync.RWMutex
	conn         *websocket.Conn
	handler      Handler
	onConnect    []func()
	onDisconnect []func(error)
}

func NewSession(opt Options) *Session {
	if opt.BackoffMin <= 0 {
		opt.BackoffMin = 500 * time.Millisecond
	}
	if opt.BackoffMax < opt.BackoffMin {
		opt.BackoffMax = 30 * time.Second
	}
	if opt.StableAfter <= 0 {
		opt.StableAfter = time.Minute
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{opt: opt, log: logger.With("component", "transport")}
}

// SetHandler installs the inbound event handler. Must be called before Run.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// OnConnect registers fn to run, in registration order, each time a
// connection is established and before any inbound event is read.
func (s *Session) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

func (s *Session) OnDisconnect(fn func(error)) {
	s.mu.Lock()
	s.onDisconnect = append(s.onDisconnect, fn)
	s.mu.Unlock()
}

func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Send hands one frame to the live socket. A nil error means the frame
// was written; it says nothing about server acknowledgement.
func (s *Session) Send(ctx context.Context, event string, payload any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	wctx, cancel := context.WithTimeout(ctx, s.opt.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Run dials, reads until the connection drops, and redials with jittered
// exponential backoff until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.opt.BackoffMin
	for {
		started := time.Now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) >= s.opt.StableAfter {
			backoff = s.opt.BackoffMin
		}

		sleep := jitter(backoff, 0.20)
		s.log.Warn("socket down, reconnecting", "err", err, "in", sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff = nextBackoff(backoff, s.opt.BackoffMax)
	}
}

func (s *Session) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.opt.URL, &websocket.DialOptions{HTTPHeader: s.opt.Header})
	if err != nil {
		metrics.TransportConnects.WithLabelValues("error").Inc()
		return fmt.Errorf("dial: %w", err)
	}
	metrics.TransportConnects.WithLabelValues("ok").Inc()
	if s.opt.ReadLimit > 0 {
		conn.SetReadLimit(s.opt.ReadLimit)
	}

	s.mu.Lock()
	s.conn = conn
	connectFns := append([]func(){}, s.onConnect...)
	s.mu.Unlock()
	s.log.Info("socket connected", "url", s.opt.URL)

	for _, fn := range connectFns {
		fn()
	}

	err = s.readLoop(ctx, conn)

	s.mu.Lock()
	s.conn = nil
	disconnectFns := append([]func(error){}, s.onDisconnect...)
	s.mu.Unlock()
	_ = conn.CloseNow()
	metrics.TransportDisconnects.Inc()

	for _, fn := range disconnectFns {
		fn(err)
	}
	return err
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.log.Debug("ignoring binary frame", "bytes", len(data))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			metrics.InboundEvents.WithLabelValues("?", "malformed").Inc()
			s.log.Warn("discarding malformed frame", "err", err, "bytes", len(data))
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env Envelope) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.InboundEvents.WithLabelValues(env.Event, "malformed").Inc()
			s.log.Error("inbound handler panicked", "event", env.Event, "panic", r)
		}
	}()
	h(env)
}
