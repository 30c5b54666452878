package hub

import (
	"fmt"
	"time"

	"github.com/signalhub/hub/internal/v1/config"
	"github.com/signalhub/hub/internal/v1/metrics"
	"github.com/signalhub/hub/internal/v1/protocol"
)

// Router dispatches one inbound frame from one authenticated connection:
// rate-limit gate, control-type handling (join/leave), room policy, and
// fan-out.
type Router struct {
	registry *Registry
	rules    []config.RateLimitRule
}

// NewRouter builds a router bound to the shared registry and the
// configured rate-limit rules.
func NewRouter(registry *Registry, rules []config.RateLimitRule) *Router {
	return &Router{registry: registry, rules: rules}
}

// Route implements §4.7 end to end for one raw inbound frame from an
// authenticated connection.
func (rt *Router) Route(conn *Connection, raw []byte) {
	now := time.Now()
	msgType, parsed, _ := protocol.MessageType(raw)

	if rejected, ruleReason := rt.checkRateLimit(conn, msgType, now); rejected {
		metrics.RateLimitExceeded.WithLabelValues("per-client").Inc()
		metrics.FramesRouted.WithLabelValues(msgType, "dropped_rate_limited").Inc()
		conn.Send(protocol.MustMarshal(protocol.NewError("Rate limit exceeded")))
		_ = ruleReason
		return
	}
	conn.tracker.Record(now)

	switch msgType {
	case "join":
		if parsed.RoomID == "" {
			metrics.FramesRouted.WithLabelValues(msgType, "dropped_no_room").Inc()
			conn.Send(protocol.MustMarshal(protocol.NewError("Missing room id")))
			conn.recordMessage(now)
			return
		}
		rt.registry.Join(conn, parsed.RoomID)
		metrics.FramesRouted.WithLabelValues(msgType, "delivered").Inc()
		conn.recordMessage(now)
		return
	case "leave":
		rt.registry.Leave(conn)
		metrics.FramesRouted.WithLabelValues(msgType, "delivered").Inc()
		conn.recordMessage(now)
		return
	}

	roomID := conn.RoomID()
	roomCfg, hasRoom := rt.registry.RoomConfig(roomID)
	if hasRoom && len(roomCfg.AllowedMessageTypes) > 0 && !contains(roomCfg.AllowedMessageTypes, msgType) {
		metrics.FramesRouted.WithLabelValues(msgType, "dropped_disallowed_type").Inc()
		conn.Send(protocol.MustMarshal(protocol.NewError(fmt.Sprintf("Message type '%s' not allowed in this room", msgType))))
		conn.recordMessage(now)
		return
	}

	mode := config.RoutingBroadcast
	if hasRoom && roomCfg.RoutingMode != "" {
		mode = roomCfg.RoutingMode
	}

	switch mode {
	case config.RoutingUnicast:
		rt.unicast(conn, parsed.TargetID, raw, msgType)
	default:
		// broadcast, and multicast (falls back to broadcast — §9 gap,
		// preserved deliberately).
		rt.broadcast(conn, roomID, hasRoom, raw, msgType)
	}

	conn.recordMessage(now)
}

func (rt *Router) checkRateLimit(conn *Connection, msgType string, now time.Time) (rejected bool, reason string) {
	for _, rule := range rt.rules {
		if !rule.Enabled {
			continue
		}
		if len(rule.MessageTypes) > 0 && !contains(rule.MessageTypes, msgType) {
			continue
		}
		window := time.Duration(rule.WindowMs) * time.Millisecond
		if conn.tracker.Count(now, window) >= rule.MaxMessages {
			return true, "rate limit exceeded"
		}
	}
	return false, ""
}

func (rt *Router) unicast(sender *Connection, targetID string, raw []byte, msgType string) {
	if targetID == "" {
		metrics.FramesRouted.WithLabelValues(msgType, "dropped_no_target").Inc()
		return
	}
	target, ok := rt.registry.ConnectionByClientID(targetID)
	if !ok || target.State() == StateClosed || target.ID == sender.ID {
		metrics.FramesRouted.WithLabelValues(msgType, "dropped_no_recipient").Inc()
		return
	}
	target.Send(raw)
	metrics.FramesRouted.WithLabelValues(msgType, "delivered").Inc()
}

func (rt *Router) broadcast(sender *Connection, roomID string, hasRoom bool, raw []byte, msgType string) {
	var recipients []*Connection
	if hasRoom {
		recipients = rt.registry.SnapshotRoom(roomID)
	} else {
		recipients = rt.registry.SnapshotAll()
	}

	delivered := 0
	for _, c := range recipients {
		if c.ID == sender.ID {
			continue
		}
		if c.State() == StateClosed {
			continue
		}
		c.Send(raw)
		delivered++
	}

	outcome := "delivered"
	if delivered == 0 {
		outcome = "delivered_no_recipients"
	}
	metrics.FramesRouted.WithLabelValues(msgType, outcome).Inc()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
