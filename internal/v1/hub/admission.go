package hub

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"crypto/rand"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/signalhub/hub/internal/v1/config"
	"github.com/signalhub/hub/internal/v1/ipfilter"
	"github.com/signalhub/hub/internal/v1/logging"
	"github.com/signalhub/hub/internal/v1/metrics"
	"github.com/signalhub/hub/internal/v1/protocol"
	"github.com/signalhub/hub/internal/v1/ratelimit"
	"github.com/signalhub/hub/internal/v1/walletauth"
	"go.uber.org/zap"
)

// Service is the running signaling service: the admission pipeline plus
// the shared registry and router every connection's driver is handed.
type Service struct {
	cfg            *config.Config
	registry       *Registry
	router         *Router
	ipMatcher      *ipfilter.Matcher
	connectLimiter *ratelimit.ConnectLimiter
	engine         *walletauth.Engine
	jwtValidator   *walletauth.JWTValidator
	upgrader       websocket.Upgrader
}

// NewService wires the admission pipeline from a loaded configuration.
// jwtValidator may be nil unless cfg.Auth.Method is "jwt".
func NewService(cfg *config.Config, connectLimiter *ratelimit.ConnectLimiter, jwtValidator *walletauth.JWTValidator) *Service {
	registry := NewRegistry(cfg)
	router := NewRouter(registry, cfg.RateLimitRules)

	var engine *walletauth.Engine
	if cfg.Auth.Method == config.AuthMethodEthereumHandshake {
		engine = walletauth.NewEngine(cfg.Auth.HandshakeMessage, time.Duration(cfg.HandshakeExpirySeconds())*time.Second)
	}

	return &Service{
		cfg:            cfg,
		registry:       registry,
		router:         router,
		ipMatcher:      ipfilter.New(cfg.IPFilters),
		connectLimiter: connectLimiter,
		engine:         engine,
		jwtValidator:   jwtValidator,
		upgrader: websocket.Upgrader{
			WriteBufferPool: &sync.Pool{New: func() any { return make([]byte, 4096) }},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the shared connection/room registry, e.g. for health
// checks and metrics wiring in the owning process.
func (s *Service) Registry() *Registry { return s.registry }

// ServeWs implements the §4.3 admission pipeline and, once a connection is
// upgraded, hands it to a Driver. Mount at the configured WS path; requests
// on any other path never reach here and get gin's own HTTP response (404,
// or the DISABLE_UI body) rather than a silently dropped socket.
func (s *Service) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()
	ip := clientIP(c.Request)

	if s.connectLimiter != nil {
		allowed, retryAfter := s.connectLimiter.Allow(ctx, ip)
		if !allowed {
			metrics.ConnectAttempts.WithLabelValues("rate_limited").Inc()
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts", "retryAfter": retryAfter})
			return
		}
	}

	if !s.ipMatcher.Allow(ip) {
		metrics.ConnectAttempts.WithLabelValues("ip_denied").Inc()
		c.Status(http.StatusForbidden)
		return
	}

	if s.registry.TotalConnections() >= s.cfg.ConnectionLimits.MaxTotalConnections && s.cfg.ConnectionLimits.MaxTotalConnections > 0 {
		metrics.ConnectAttempts.WithLabelValues("total_capacity").Inc()
		c.Status(http.StatusServiceUnavailable)
		return
	}

	if s.registry.IPConnections(ip) >= s.cfg.ConnectionLimits.MaxConnectionsPerIP && s.cfg.ConnectionLimits.MaxConnectionsPerIP > 0 {
		metrics.ConnectAttempts.WithLabelValues("ip_capacity").Inc()
		c.Status(http.StatusServiceUnavailable)
		return
	}

	if s.cfg.ConnectionLimits.MaxConnectionsPerRoom > 0 && s.registry.DefaultRoomSize() >= s.cfg.ConnectionLimits.MaxConnectionsPerRoom {
		metrics.ConnectAttempts.WithLabelValues("room_capacity").Inc()
		c.Status(http.StatusServiceUnavailable)
		return
	}

	userID, walletAddress, clientID, startPending, err := s.prescreen(c.Request)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("auth_prescreen_failed").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}

	state := StateAuthenticated
	if startPending {
		state = StatePending
	}

	connID := uuid.NewString()
	conn := NewConnection(connID, ip, wsConn, state)
	if startPending {
		conn.setClientID(clientID)
	} else {
		conn.authenticate(userID, walletAddress, clientID)
	}

	s.registry.Admit(conn)
	metrics.ConnectAttempts.WithLabelValues("accepted").Inc()

	if startPending {
		challenge, err := s.engine.Issue(time.Now())
		if err != nil {
			logging.Error(ctx, "failed to issue handshake challenge", zap.Error(err))
			conn.Close(websocket.CloseInternalServerErr, "")
			s.registry.Remove(conn)
			return
		}
		conn.setPendingChallenge(challenge)
		conn.Send(protocol.MustMarshal(protocol.NewAuthChallenge(challenge.Token, challenge.Message, challenge.Expiry.Unix())))
	} else if defaultRoom, ok := s.cfg.DefaultRoom(); ok {
		s.registry.Join(conn, defaultRoom.ID)
	}

	driver := NewDriver(conn, s.registry, s.router, s.engine, s.jwtValidator)
	go driver.Run(ctx)
}

// prescreen implements §4.3 step 5: resolving an identity (or deferring to
// the handshake) before the socket is ever upgraded.
func (s *Service) prescreen(r *http.Request) (userID, walletAddress, clientID string, startPending bool, err error) {
	if !s.cfg.Auth.Enabled || s.cfg.Auth.Method == config.AuthMethodNone {
		id := anonymousID(s.cfg.Auth.AnonymousPrefix)
		return id, "", clientIDFor(id), false, nil
	}

	switch s.cfg.Auth.Method {
	case config.AuthMethodEthereumHandshake:
		return "", "", pendingClientID(), true, nil

	case config.AuthMethodToken:
		token := extractToken(r)
		if token == "" {
			if s.cfg.Auth.AllowAnonymous {
				id := anonymousID(s.cfg.Auth.AnonymousPrefix)
				return id, "", clientIDFor(id), false, nil
			}
			return "", "", "", false, fmt.Errorf("token required")
		}
		// Placeholder identity derivation, unvalidated by design (§9).
		id := "user_" + firstN(token, 8)
		return id, "", clientIDFor(id), false, nil

	case config.AuthMethodJWT:
		token := extractToken(r)
		if token == "" || s.jwtValidator == nil {
			return "", "", "", false, fmt.Errorf("token required")
		}
		id, verr := s.jwtValidator.Validate(token)
		if verr != nil {
			return "", "", "", false, fmt.Errorf("invalid token")
		}
		return id, "", clientIDFor(id), false, nil

	default:
		if s.cfg.Auth.AllowAnonymous {
			id := anonymousID(s.cfg.Auth.AnonymousPrefix)
			return id, "", clientIDFor(id), false, nil
		}
		return "", "", "", false, fmt.Errorf("unsupported auth method")
	}
}

// clientIDFor mints the per-connection wire handle for a resolved identity:
// <userId>_<epochMillis>, so two simultaneous connections sharing the same
// userID (e.g. the same bearer token dialing in twice) still get distinct
// ids for Registry.ConnectionByClientID lookups.
func clientIDFor(userID string) string {
	return userID + "_" + msNow()
}

// pendingClientID mints the placeholder id for a connection still awaiting
// its handshake response; authenticate() replaces it with the real
// <address>_<epochMillis> id once the handshake succeeds.
func pendingClientID() string {
	return "pending_" + msNow()
}

// Shutdown closes every live connection with a normal close code, draining
// the service gracefully.
func (s *Service) Shutdown(ctx context.Context) {
	for _, conn := range s.registry.Shutdown() {
		conn.Close(websocket.CloseNormalClosure, "server shutting down")
	}
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func anonymousID(prefix string) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return prefix + hex.EncodeToString(b)
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
