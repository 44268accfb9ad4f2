package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

type healthResponse struct {
	Status      string `json:"status"`
	InstanceID  string `json:"instanceId"`
	Connections int    `json:"connections"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	resp := healthResponse{
		Status:      "ok",
		InstanceID:  s.gateway.InstanceID(),
		Connections: s.gateway.ConnectionCount(),
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		requestLogger(s.logger, r).Warn("health check failed", "error", err)
		resp.Status = "unavailable"
		resp.Error = "redis unreachable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type onlineCountResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) onlineCount(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := s.presence.OnlineCount(r.Context())
	if err != nil {
		requestLogger(s.logger, r).Warn("count online users", "error", err)
		writeError(w, statusFor(err), "online count unavailable")
		return
	}
	s.metrics.SetOnlineUsers(n)
	writeJSON(w, http.StatusOK, onlineCountResponse{Count: n})
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	userID := strings.TrimSpace(r.Header.Get(s.userHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}
	allowed, retryAfter, err := s.limiter.AllowConnect(r.Context(), userID)
	if err != nil {
		requestLogger(s.logger, r).Error("connect rate limiter failure", "user_id", userID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rate limit failure")
		return
	}
	if !allowed {
		if retryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
		}
		writeError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	}
	s.gateway.HandleConnection(w, r, userID)
}
