package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fieldsync/backend/internal/models"
	"github.com/kimhsiao/fieldsync/backend/internal/network"
	"github.com/kimhsiao/fieldsync/backend/internal/remote/remotetest"
	"github.com/kimhsiao/fieldsync/backend/internal/services"
	"github.com/kimhsiao/fieldsync/backend/internal/sync/scheduler"
)

func setupService(t *testing.T) (*services.SyncService, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	svc := services.NewSyncService(services.Options{
		DataDir:      t.TempDir(),
		TechnicianID: "tech-1",
		Client:       remotetest.NewFake(),
		Prober: network.ProberFunc(func(ctx context.Context) error {
			return errors.New("offline")
		}),
		Registerer: registry,
		Network:    network.Config{ProbeInterval: time.Hour},
		Scheduler:  scheduler.SchedulerConfig{SyncInterval: time.Hour, CleanupInterval: time.Hour},
	})
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { svc.Destroy() })
	return svc, registry
}

func TestMain_RouteSetup(t *testing.T) {
	svc, registry := setupService(t)
	hub := NewWSHub()
	defer hub.Close()
	mux := newMux(svc, hub, registry)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"health", http.MethodGet, "/api/health", http.StatusOK},
		{"health wrong method", http.MethodPost, "/api/health", http.StatusMethodNotAllowed},
		{"status", http.MethodGet, "/api/status", http.StatusOK},
		{"queue", http.MethodGet, "/api/queue", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"unknown", http.MethodGet, "/api/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMain_WebSocketReceivesQueueStats(t *testing.T) {
	svc, registry := setupService(t)
	hub := NewWSHub()
	defer hub.Close()

	unbridge, err := bridgeEvents(svc, hub)
	require.NoError(t, err)
	defer unbridge()

	server := httptest.NewServer(newMux(svc, hub, registry))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{EventQueueStats}}))

	var ack map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])
	assert.Equal(t, 1, hub.ClientCount())

	_, err = svc.Repository().UpdateWorkOrder(context.Background(), "W1", models.WorkOrderUpdates{Notes: models.StringPtr("note")})
	require.NoError(t, err)

	for {
		var envelope struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &envelope))
		require.Equal(t, EventQueueStats, envelope.Type, "only subscribed events are delivered")
		if envelope.Data["pending"] == float64(1) {
			break
		}
	}
}

func TestIsLocalOrigin(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost":         true,
		"localhost:8090":    true,
		"127.0.0.1:8090":    true,
		"[::1]:8090":        true,
		"example.com":       false,
		"192.168.1.20:8090": false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = host
		assert.Equal(t, want, isLocalOrigin(r), host)
	}
}
