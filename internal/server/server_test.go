package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"uaip-hub/internal/envelope"
	"uaip-hub/internal/heartbeat"
	"uaip-hub/internal/identity"
	"uaip-hub/internal/metrics"
	"uaip-hub/internal/qos"
	"uaip-hub/internal/queue"
	"uaip-hub/internal/ratelimit"
	"uaip-hub/internal/route"
	"uaip-hub/internal/router"
)

const testSecret = "test-signing-secret"

func newTestServer(t *testing.T) (*Server, *identity.Manager) {
	t.Helper()
	q := queue.New(0)
	qosEngine := qos.NewEngine(nil)
	routes := route.New(0)
	reg := metrics.NewRegistry()
	qosEngine.SetMetrics(reg)
	r := router.New(q, qosEngine, routes, 8, reg)

	idMgr := identity.NewManager(testSecret, time.Hour)
	limiter := ratelimit.New(ratelimit.Config{
		PerSenderRate:  1000,
		PerSenderBurst: 1000,
		GlobalRate:     10000,
		GlobalBurst:    10000,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(limiter.Stop)
	hb := heartbeat.New(heartbeat.DefaultConfig())

	s := New(Config{ListenAddr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}, r, idMgr, limiter, hb, reg, zerolog.Nop())
	return s, idMgr
}

func bearerToken(t *testing.T, idMgr *identity.Manager, id identity.Identity) string {
	t.Helper()
	tok, err := idMgr.Issue(id)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func TestHandleSubmitAcceptsAuthenticatedMessage(t *testing.T) {
	s, idMgr := newTestServer(t)
	sender := identity.Identity{ID: "device-1", Type: "device"}
	token := bearerToken(t, idMgr, sender)

	env, err := envelope.New(
		envelope.Entity{ID: "device-1", Type: envelope.EntityDevice},
		envelope.Entity{ID: "agent-1", Type: envelope.EntityAiAgent},
		envelope.ActionNotify,
	).Build()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	body, err := envelope.Encode(&env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusAccepted, w.Body.String())
	}
	if s.router.Stats().MessagesRouted != 1 {
		t.Errorf("messages_routed = %d, want 1", s.router.Stats().MessagesRouted)
	}
}

func TestHandleSubmitRejectsMissingToken(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSubmitRejectsSenderMismatch(t *testing.T) {
	s, idMgr := newTestServer(t)
	token := bearerToken(t, idMgr, identity.Identity{ID: "device-1", Type: "device"})

	env, err := envelope.New(
		envelope.Entity{ID: "someone-else", Type: envelope.EntityDevice},
		envelope.Entity{ID: "agent-1", Type: envelope.EntityAiAgent},
		envelope.ActionNotify,
	).Build()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	body, err := envelope.Encode(&env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleAckQoS1UnknownMessageReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	reqBody, _ := json.Marshal(ackRequest{MessageID: "msg_does-not-exist"})
	req := httptest.NewRequest(http.MethodPost, "/v1/ack/qos1", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleHeartbeatRecordsDevice(t *testing.T) {
	s, _ := newTestServer(t)
	reqBody, _ := json.Marshal(heartbeatRequest{DeviceID: "device-9"})
	req := httptest.NewRequest(http.MethodPost, "/v1/heartbeat", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if s.heartbeats.Stats().Total != 1 {
		t.Errorf("tracked devices = %d, want 1", s.heartbeats.Stats().Total)
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status field = %v, want healthy", resp["status"])
	}
}

func TestHandleWebSocketRegistersDeviceRoute(t *testing.T) {
	s, idMgr := newTestServer(t)
	token := bearerToken(t, idMgr, identity.Identity{ID: "device-ws-1", Type: "device"})

	ts := httptest.NewServer(s.httpServer.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws/device-ws-1?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for !s.router.HasRoute(envelope.EntityDevice, "device-ws-1") {
		if time.Now().After(deadline) {
			t.Fatal("expected device-ws-1 to be registered as a route after upgrade")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCORSPreflightIsHandled(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
	w := httptest.NewRecorder()

	s.httpServer.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS header on preflight response")
	}
}
