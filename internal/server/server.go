// Package server exposes the hub's REST and WebSocket surface: message
// submission, QoS acknowledgments, device WebSocket upgrade, stats, health,
// and Prometheus scraping. Grounded on the teacher's
// internal/server/server.go: same mux-plus-CORS-middleware shape and
// graceful-shutdown sequencing, rebuilt around Router.Submit instead of a
// WebSocket broadcast hub.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"uaip-hub/internal/apierr"
	"uaip-hub/internal/envelope"
	"uaip-hub/internal/heartbeat"
	"uaip-hub/internal/identity"
	"uaip-hub/internal/metrics"
	"uaip-hub/internal/qos"
	"uaip-hub/internal/ratelimit"
	"uaip-hub/internal/router"
	"uaip-hub/internal/transport"
)

// Server wires the HTTP surface to the router, identity verifier, rate
// limiter, heartbeat tracker, and metrics registry.
type Server struct {
	cfg        Config
	httpServer *http.Server
	router     *router.Router
	identity   *identity.Manager
	limiter    *ratelimit.Limiter
	heartbeats *heartbeat.Tracker
	metrics    *metrics.Registry
	wsHub      *transport.WSHub
	logger     zerolog.Logger
}

// Config controls listen address and timeouts.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New constructs a Server with its routes wired but not yet listening.
func New(cfg Config, r *router.Router, idMgr *identity.Manager, limiter *ratelimit.Limiter, hb *heartbeat.Tracker, reg *metrics.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		router:     r,
		identity:   idMgr,
		limiter:    limiter,
		heartbeats: hb,
		metrics:    reg,
		wsHub:      transport.NewWSHub(logger),
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.handleSubmit)
	mux.HandleFunc("/v1/ack/qos1", s.handleAckQoS1)
	mux.HandleFunc("/v1/ack/qos2/pubrec", s.handleAckQoS2PubRec)
	mux.HandleFunc("/v1/ack/qos2/pubcomp", s.handleAckQoS2PubComp)
	mux.HandleFunc("/v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/v1/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/ws/", s.handleWebSocket)
	mux.Handle("/metrics", reg.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("hub HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests within ctx's deadline and
// closes every connected WebSocket device.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket upgrades an authenticated device connection and registers
// it as a live route, so anything queued for that device drains immediately.
// Inbound frames are decoded as envelopes and handed straight to Submit,
// mirroring the teacher's handleWebSocket except the device's identity comes
// from the upgrade request rather than a post-connect auth handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ident, err := s.identity.FromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	client, err := s.wsHub.Upgrade(w, r, ident.ID, func(deviceID string, payload []byte) {
		env, err := envelope.Decode(payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("dropping undecodable websocket frame")
			return
		}
		// The connection outlives this request; its context cannot be used
		// once the upgrade handler returns.
		if err := s.router.Submit(context.Background(), env); err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("submit failed for websocket frame")
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("device_id", ident.ID).Msg("websocket upgrade failed")
		return
	}

	s.router.RegisterRoute(context.Background(), envelope.EntityDevice, ident.ID, client)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidMessage, "POST required"))
		return
	}

	ident, err := s.identity.FromRequest(r)
	if err != nil {
		writeError(w, apierr.New(apierr.InvalidMessage, err.Error()))
		return
	}

	if !s.limiter.Allow(ident.ID) {
		writeError(w, apierr.New(apierr.RateLimitExceeded, "submission rate limit exceeded"))
		return
	}

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, apierr.Newf(apierr.InvalidMessage, "read body: %v", err))
		return
	}

	env, err := envelope.Decode(data)
	if err != nil {
		writeError(w, err)
		return
	}
	if env.Header.Sender.ID != ident.ID {
		writeError(w, apierr.New(apierr.InvalidMessage, "sender identity does not match authenticated caller"))
		return
	}

	if err := s.router.Submit(r.Context(), env); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": env.Header.MessageID})
}

func (s *Server) handleAckQoS1(w http.ResponseWriter, r *http.Request) {
	s.handleAck(w, r, s.router.AcknowledgeQoS1)
}

func (s *Server) handleAckQoS2PubRec(w http.ResponseWriter, r *http.Request) {
	s.handleAck(w, r, s.router.AcknowledgeQoS2PubRec)
}

func (s *Server) handleAckQoS2PubComp(w http.ResponseWriter, r *http.Request) {
	s.handleAck(w, r, s.router.AcknowledgeQoS2PubComp)
}

type ackRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, ack func(string) qos.AckResult) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidMessage, "POST required"))
		return
	}
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		writeError(w, apierr.New(apierr.InvalidMessage, "message_id is required"))
		return
	}

	switch ack(req.MessageID) {
	case qos.AckOK:
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	case qos.AckNotFound:
		// The taxonomy has no dedicated "message not found" category;
		// device_not_found is the only one mapped to 404, matching the
		// not_found class spec.md's REST mapping describes.
		writeError(w, apierr.Newf(apierr.DeviceNotFound, "no tracked message %s", req.MessageID))
	case qos.AckInvalidState:
		writeError(w, apierr.Newf(apierr.InvalidState, "acknowledgment received out of order for %s", req.MessageID))
	default:
		writeError(w, apierr.New(apierr.InternalError, "unrecognized acknowledgment outcome"))
	}
}

type heartbeatRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.InvalidMessage, "POST required"))
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, apierr.New(apierr.InvalidMessage, "device_id is required"))
		return
	}
	s.heartbeats.Record(req.DeviceID, time.Now())
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"router":    s.router.Stats(),
		"heartbeat": s.heartbeats.Stats(),
		"uptime":    s.metrics.Uptime().String(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"timestamp":  time.Now().UTC(),
		"queue_size": s.router.QueueSize(),
		"routes":     s.router.RouteCount(),
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := &apierr.Error{}
	if !apierr.As(err, &apiErr) {
		apiErr = apierr.New(apierr.InternalError, err.Error())
	}
	writeJSON(w, apiErr.HTTPStatus(), apiErr)
}

