package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/flowq/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 32
)

// Config tunes the transport.
type Config struct {
	// MaxInFlight bounds concurrently dispatched requests per connection.
	MaxInFlight int64
	// RequestTimeout bounds one dispatch. Zero means no limit.
	RequestTimeout time.Duration
	// MaxMessageBytes bounds one inbound frame. Larger frames close the
	// connection with status 1009.
	MaxMessageBytes int64
	// PongWait is how long the server waits for any frame, pongs included,
	// before dropping the connection. Pings go out at 9/10 of it.
	PongWait time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:     64,
		RequestTimeout:  30 * time.Second,
		MaxMessageBytes: 1 << 20,
		PongWait:        60 * time.Second,
	}
}

func (c Config) pingInterval() time.Duration {
	return c.PongWait * 9 / 10
}

// HealthFunc reports whether the server's dependencies are usable.
type HealthFunc func(ctx context.Context) error

// Server serves the request/reply protocol over websockets.
//
// Each text frame carries one JSON request and is answered by one JSON
// reply frame. Requests on one connection are dispatched concurrently, so
// replies may arrive out of order; clients match them by request_id.
type Server struct {
	dispatcher *protocol.Dispatcher
	cfg        Config
	gatherer   prometheus.Gatherer
	health     HealthFunc
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealth sets the /healthz check.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server around d.
func New(d *protocol.Dispatcher, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	defaults := DefaultConfig()
	if s.cfg.MaxInFlight < 1 {
		s.cfg.MaxInFlight = 1
	}
	if s.cfg.MaxMessageBytes <= 0 {
		s.cfg.MaxMessageBytes = defaults.MaxMessageBytes
	}
	if s.cfg.PongWait <= 0 {
		s.cfg.PongWait = defaults.PongWait
	}
	return s
}

// Handler returns the HTTP routes: the websocket endpoint at / and /ws,
// /healthz, and /metrics when a gatherer is set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ServeWS)
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled. Shutdown closes
// open connections and waits for their handlers to return.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	s.logger.Info("server stopped")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// ServeWS upgrades the request and serves the connection until the client
// leaves.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	stop := context.AfterFunc(r.Context(), func() { wc.Close() })
	defer stop()

	c := &conn{
		srv:    s,
		wc:     wc,
		send:   make(chan protocol.Reply, sendBuffer),
		sem:    semaphore.NewWeighted(s.cfg.MaxInFlight),
		logger: s.logger.With("remote", r.RemoteAddr),
	}
	c.logger.Debug("client connected")

	done := make(chan struct{})
	go func() {
		c.write()
		close(done)
	}()
	if err := c.read(r.Context()); err != nil {
		c.logger.Warn("connection read failed", "error", err)
	}
	c.inflight.Wait()
	close(c.send)
	<-done
	c.logger.Debug("client disconnected")
}

type conn struct {
	srv      *Server
	wc       *websocket.Conn
	send     chan protocol.Reply
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	logger   *slog.Logger
}

func (c *conn) read(ctx context.Context) error {
	wait := c.srv.cfg.PongWait
	c.wc.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.wc.SetReadDeadline(time.Now().Add(wait))
	c.wc.SetPongHandler(func(string) error {
		return c.wc.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		op, data, err := c.wc.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil // client left or server shutting down
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.logger.Debug("client silent, dropping connection", "pong_wait", wait)
				return nil
			}
			return err
		}
		c.wc.SetReadDeadline(time.Now().Add(wait))
		if op != websocket.TextMessage {
			c.send <- protocol.Fail(protocol.MsgInvalidJSON, nil)
			continue
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			defer c.sem.Release(1)
			c.send <- c.handle(ctx, data)
		}()
	}
}

func (c *conn) handle(ctx context.Context, data []byte) protocol.Reply {
	if t := c.srv.cfg.RequestTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return c.srv.dispatcher.HandleRaw(ctx, data)
}

// write sends replies and keepalive pings until send is closed.
func (c *conn) write() {
	defer c.wc.Close()
	ticker := time.NewTicker(c.srv.cfg.pingInterval())
	defer ticker.Stop()

	broken := false
	for {
		select {
		case reply, ok := <-c.send:
			if !ok {
				if !broken {
					c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
					c.wc.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}
			if broken {
				continue // drain so handlers never block
			}
			if err := c.writeReply(reply); err != nil {
				c.logger.Debug("write failed", "error", err)
				broken = true
				c.wc.Close()
			}
		case <-ticker.C:
			if broken {
				continue
			}
			c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.wc.WriteMessage(websocket.PingMessage, nil); err != nil {
				broken = true
				c.wc.Close()
			}
		}
	}
}

func (c *conn) writeReply(reply protocol.Reply) error {
	b, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("encode reply", "error", err, "request_id", reply.RequestID)
		b, err = json.Marshal(protocol.Reply{
			Status:    protocol.StatusError,
			Msg:       protocol.MsgInternal,
			RequestID: reply.RequestID,
		})
		if err != nil {
			return err
		}
	}
	c.wc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.wc.WriteMessage(websocket.TextMessage, b)
}
