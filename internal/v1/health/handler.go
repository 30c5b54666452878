package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalhub/hub/internal/v1/logging"
	"github.com/signalhub/hub/internal/v1/ratelimit"
	"go.uber.org/zap"
)

// Handler manages health check endpoints.
type Handler struct {
	connectLimiter *ratelimit.ConnectLimiter
}

// NewHandler creates a health check handler. connectLimiter may be nil when
// the connect-rate gate has no backing store to check.
func NewHandler(connectLimiter *ratelimit.ConnectLimiter) *Handler {
	return &Handler{connectLimiter: connectLimiter}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	connectLimitStatus := h.checkConnectLimiter(ctx)
	checks["connect_rate_limiter"] = connectLimitStatus
	if connectLimitStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(statusCode, response)
}

// checkConnectLimiter verifies the connect-rate limiter's backing store.
// The limiter's own circuit breaker already fails open on Redis trouble, so
// this only surfaces status for observability, never blocks admission.
func (h *Handler) checkConnectLimiter(ctx context.Context) string {
	if h.connectLimiter == nil {
		return "healthy"
	}
	if err := h.connectLimiter.Ping(ctx); err != nil {
		logging.Error(ctx, "connect-rate limiter health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
