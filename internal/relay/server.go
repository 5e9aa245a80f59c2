package relay

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/config"
	"github.com/sapiencexyz/auction-relayer/internal/hub"
	"github.com/sapiencexyz/auction-relayer/internal/metrics"
	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

const closeShutdownReason = "shutting_down"

// Server supervises connections: admission (connection cap, origin gate),
// the per-connection read loop with idle and rate policy, and teardown.
type Server struct {
	router *Router
	hub    *hub.Hub
	obs    metrics.Observer
	log    *zap.Logger

	upgrader       websocket.Upgrader
	allowedOrigins []string
	maxConnections int
	idleTimeout    time.Duration
	rateMax        int
	rateWindow     time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[*Conn]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, router *Router, h *hub.Hub, obs metrics.Observer, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router: router,
		hub:    h,
		obs:    obs,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The origin gate runs after the upgrade so policy rejections
			// surface as 1008 close frames, not HTTP 403s.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		allowedOrigins: cfg.AllowedOriginList(),
		maxConnections: cfg.WS.MaxConnections,
		idleTimeout:    cfg.IdleTimeout(),
		rateMax:        cfg.WS.RateLimitMaxMessages,
		rateWindow:     cfg.RateLimitWindow(),
		baseCtx:        ctx,
		cancelBase:     cancel,
		conns:          make(map[*Conn]struct{}),
	}
}

// Serve upgrades one request and runs the connection until it closes. It is
// a plain http.HandlerFunc so both gin and httptest can mount it.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	conn := newConn(ws, r.RemoteAddr, requestDomain(r), requestURI(r), s.log)
	go conn.writePump()

	code, reason, admitted := s.admit(conn, r)
	if !admitted {
		s.obs.Error(reason)
		conn.closeWith(code, reason)
		return
	}

	conn.onClose = s.teardown
	s.hub.Register(conn)
	s.obs.ConnOpened()
	s.log.Debug("connection opened",
		zap.String("remote", conn.remoteAddr),
		zap.String("domain", conn.domain))

	s.readLoop(conn)
}

// admit applies the connection cap first, then the origin allow-list. On
// success the connection is counted and tracked.
func (s *Server) admit(conn *Conn, r *http.Request) (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return websocket.CloseGoingAway, closeShutdownReason, false
	}
	if len(s.conns) >= s.maxConnections {
		return websocket.ClosePolicyViolation, protocol.CloseConnLimitExceeded, false
	}
	if len(s.allowedOrigins) > 0 && !originAllowed(s.allowedOrigins, r.Header.Get("Origin")) {
		return websocket.ClosePolicyViolation, protocol.CloseOriginNotAllowed, false
	}

	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return 0, "", true
}

func (s *Server) teardown(conn *Conn) {
	s.hub.Deregister(conn)

	s.mu.Lock()
	_, tracked := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()

	if tracked {
		s.obs.ConnClosed()
		s.wg.Done()
	}
}

func (s *Server) readLoop(conn *Conn) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	defer conn.teardown()

	conn.ws.SetReadLimit(protocol.MaxFrameBytes)
	resetIdle := func() {
		conn.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
	resetIdle()
	conn.ws.SetPongHandler(func(string) error { resetIdle(); return nil })
	conn.ws.SetPingHandler(func(appData string) error {
		resetIdle()
		return conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			switch {
			case err == websocket.ErrReadLimit:
				s.obs.Error(protocol.CloseMessageTooLarge)
				conn.closeWith(websocket.CloseMessageTooBig, protocol.CloseMessageTooLarge)
			case isTimeout(err):
				s.obs.Error(protocol.CloseIdleTimeout)
				conn.closeWith(websocket.ClosePolicyViolation, protocol.CloseIdleTimeout)
			default:
				conn.teardown()
			}
			return
		}
		resetIdle()

		if !conn.allow(s.rateMax, s.rateWindow) {
			s.obs.Error(protocol.CloseRateLimited)
			conn.closeWith(websocket.ClosePolicyViolation, protocol.CloseRateLimited)
			return
		}

		if !s.router.Route(ctx, conn, frame) {
			conn.closeWith(websocket.CloseMessageTooBig, protocol.CloseMessageTooLarge)
			return
		}
	}
}

// Shutdown stops admitting, closes every connection with 1001, and waits
// for teardown up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	snapshot := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	for _, c := range snapshot {
		c.closeWith(websocket.CloseGoingAway, closeShutdownReason)
	}
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionCount reports the number of admitted connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func requestDomain(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func requestURI(r *http.Request) string {
	proto := "http"
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		proto = "https"
	}
	return proto + "://" + r.Host
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
