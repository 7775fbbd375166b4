// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/kodiak/services/orchestrator/backends"
	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
	"github.com/AleutianAI/kodiak/services/orchestrator/health"
	"github.com/AleutianAI/kodiak/services/orchestrator/hub"
	"github.com/AleutianAI/kodiak/services/orchestrator/middleware"
	"github.com/AleutianAI/kodiak/services/orchestrator/profile"
	"github.com/AleutianAI/kodiak/services/orchestrator/queue"
	"github.com/AleutianAI/kodiak/services/orchestrator/storage"
	"github.com/AleutianAI/kodiak/services/orchestrator/vram"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type trackerSpy struct {
	requestID, clientID string
}

func (t *trackerSpy) TrackRequest(requestID, clientID string) {
	t.requestID, t.clientID = requestID, clientID
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitMessage(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	spy := &trackerSpy{}
	router := gin.New()
	router.POST("/v1/message", SubmitMessage(q, spy))

	w := postJSON(router, "/v1/message", `{"client_id":"c1","message":"hello","tier":"premium"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		RequestID  string `json:"request_id"`
		ThreadID   string `json:"thread_id"`
		Status     string `json:"status"`
		Position   int    `json:"queue_position"`
		ETASeconds int    `json:"eta_seconds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEmpty(t, resp.ThreadID) // assigned when absent
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, 1, resp.Position)
	assert.Equal(t, etaSecondsPerRequest, resp.ETASeconds)
	assert.Equal(t, resp.RequestID, spy.requestID)
	assert.Equal(t, "c1", spy.clientID)

	// Missing required fields.
	assert.Equal(t, http.StatusBadRequest, postJSON(router, "/v1/message", `{"message":"x"}`).Code)
}

func TestSubmitMessage_QueueFull(t *testing.T) {
	q := queue.New(queue.Config{MaxSize: 1}, nil)
	router := gin.New()
	router.POST("/v1/message", SubmitMessage(q, nil))

	require.Equal(t, http.StatusAccepted,
		postJSON(router, "/v1/message", `{"client_id":"c1","message":"one"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests,
		postJSON(router, "/v1/message", `{"client_id":"c1","message":"two"}`).Code)
}

func TestRequestStatusAndCancel(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	cancels := queue.NewCancelRegistry()
	router := gin.New()
	router.GET("/v1/status/:id", RequestStatusHandler(q))
	router.DELETE("/v1/cancel/:id", CancelRequest(q, cancels))

	id, err := q.Enqueue(&datatypes.QueuedRequest{ClientID: "c1", Message: "hi"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/status/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st datatypes.RequestStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, datatypes.StateQueued, st.State)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/cancel/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	st2, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, datatypes.StateCancelled, st2.State)

	// Unknown ids are 404 on both endpoints.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/status/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/cancel/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMaintenanceHandlers(t *testing.T) {
	guard := middleware.NewMaintenanceGuard()
	router := gin.New()
	router.POST("/admin/maintenance", MaintenanceSet(guard))
	router.GET("/admin/maintenance", MaintenanceGet(guard))

	w := postJSON(router, "/admin/maintenance", `{"mode":"hard","message":"upgrading"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, middleware.MaintenanceHard, guard.Mode())
	assert.Equal(t, "upgrading", guard.Message())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/admin/maintenance", nil))
	assert.Contains(t, w.Body.String(), "hard")
}

func TestQueueAdminHandlers(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(&datatypes.QueuedRequest{ClientID: "c1", Message: "m"})
		require.NoError(t, err)
	}
	router := gin.New()
	router.GET("/admin/queue/stats", QueueStatsHandler(q))
	router.POST("/admin/queue/purge", QueuePurge(q))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/admin/queue/stats", nil))
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Queued)

	w = postJSON(router, "/admin/queue/purge", "")
	assert.Contains(t, w.Body.String(), `"purged":3`)
	assert.Equal(t, 0, q.Size())
}

func TestUserAdminHandlers(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	users := storage.NewUserStore(db)
	require.NoError(t, users.SaveUser(t.Context(), &datatypes.User{UserID: "u1", WeeklyTokenBudget: 100}))

	router := gin.New()
	router.POST("/admin/users/:id/grant", GrantTokens(users))
	router.POST("/admin/users/:id/ban", SetUserBan(users, true))
	router.POST("/admin/users/:id/unban", SetUserBan(users, false))

	w := postJSON(router, "/admin/users/u1/grant", `{"amount":50}`)
	require.Equal(t, http.StatusOK, w.Code)
	u, err := users.GetUser(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 50, u.BonusTokens)

	require.Equal(t, http.StatusOK, postJSON(router, "/admin/users/u1/ban", "").Code)
	u, _ = users.GetUser(t.Context(), "u1")
	assert.True(t, u.Banned)

	require.Equal(t, http.StatusOK, postJSON(router, "/admin/users/u1/unban", "").Code)
	u, _ = users.GetUser(t.Context(), "u1")
	assert.False(t, u.Banned)

	assert.Equal(t, http.StatusNotFound, postJSON(router, "/admin/users/ghost/grant", `{"amount":5}`).Code)
}

func testRegistryAB(t *testing.T) *profile.Registry {
	t.Helper()
	a := &profile.Profile{Name: "a", VRAMHardLimitGB: 50, VRAMSoftLimitGB: 40,
		Models: []profile.ModelCapability{{Name: "m", Backend: "ollama", VRAMSizeGB: 1}},
		Roles:  profile.RoleMap{Router: "m", SimpleCoder: "m", ComplexCoder: "m", Reasoning: "m", Research: "m", Math: "m", Vision: "m", Embedding: "m", Summarization: "m", ArtifactDetection: "m", ArtifactExtraction: "m"}}
	b := &profile.Profile{Name: "b", VRAMHardLimitGB: 50, VRAMSoftLimitGB: 40,
		Models: a.Models, Roles: a.Roles}
	reg, err := profile.NewRegistryFromProfiles([]*profile.Profile{a, b}, "a", nil)
	require.NoError(t, err)
	return reg
}

func TestProfileSwitchHandler(t *testing.T) {
	reg := testRegistryAB(t)

	router := gin.New()
	router.POST("/admin/profile/switch", ProfileSwitch(reg, nil))

	w := postJSON(router, "/admin/profile/switch", `{"name":"b"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "b", reg.Active().Name)

	assert.Equal(t, http.StatusNotFound, postJSON(router, "/admin/profile/switch", `{"name":"zzz"}`).Code)
}

func TestProfileSwitchHandler_ClearsFallback(t *testing.T) {
	reg := testRegistryAB(t)
	fm := profile.NewFallbackManager(reg, "b", nil, nil)
	require.True(t, fm.TripFallback("critical model crashed"))
	require.Equal(t, "b", reg.Active().Name)

	router := gin.New()
	router.POST("/admin/profile/switch", ProfileSwitch(reg, fm))

	w := postJSON(router, "/admin/profile/switch", `{"name":"a"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", reg.Active().Name)
	assert.False(t, fm.Status().Active, "operator switch supersedes fallback")

	// The recovery poller must not revert the operator's choice.
	assert.False(t, fm.Recover(context.Background()))
	assert.Equal(t, "a", reg.Active().Name)
}

func TestChatWebSocket_MessageFrameEnqueues(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	h := hub.New(nil)
	router := gin.New()
	router.GET("/v1/ws/chat", ChatWebSocket(h, q, queue.NewCancelRegistry()))
	srv := httptest.NewServer(router)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(base+"/v1/ws/chat?interface=web&user_id=u1", nil)
	require.NoError(t, err)
	defer ws.Close()

	var hello map[string]any
	require.NoError(t, ws.ReadJSON(&hello))
	assert.Equal(t, "session_start", hello["type"])

	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "message", "thread_id": "t1", "message": "hello",
		"message_id": "m1", "channel_id": "ch1",
	}))

	var ack map[string]any
	require.NoError(t, ws.ReadJSON(&ack))
	assert.Equal(t, "queued", ack["type"])
	assert.Equal(t, float64(1), ack["position"])
	assert.Equal(t, 1, q.Size())

	id, _ := ack["request_id"].(string)
	st, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, datatypes.StateQueued, st.State)

	// An empty message never reaches the queue.
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "message"}))
	var failed map[string]any
	require.NoError(t, ws.ReadJSON(&failed))
	assert.Equal(t, "failed", failed["type"])
	assert.Equal(t, 1, q.Size())
}

func TestChatWebSocket_RequiresUserID(t *testing.T) {
	q := queue.New(queue.Config{}, nil)
	router := gin.New()
	router.GET("/v1/ws/chat", ChatWebSocket(hub.New(nil), q, nil))
	srv := httptest.NewServer(router)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws/chat?interface=web", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMonitoringStream_FrameShape(t *testing.T) {
	reg := testRegistryAB(t)
	fm := profile.NewFallbackManager(reg, "b", nil, nil)
	orch := vram.New(vram.Config{}, reg, fm, backends.NewManager(nil),
		vram.NewMemorySampler(t.TempDir(), nil), nil)
	checker := health.NewChecker(health.Config{}, nil, nil)
	guard := middleware.NewMaintenanceGuard()
	guard.Set(middleware.MaintenanceSoft, "draining")
	q := queue.New(queue.Config{}, nil)

	router := gin.New()
	router.GET("/admin/monitoring/stream",
		MonitoringStream(q, orch, checker, hub.New(nil), guard, vram.NewMemorySampler(t.TempDir(), nil)))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/admin/monitoring/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() { router.ServeHTTP(w, req); close(done) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, `"maintenance_mode":"soft"`)
	assert.Contains(t, body, `"cpu_utilization"`)
	assert.Contains(t, body, `"gpu"`)
	assert.Contains(t, body, `"queue"`)
}
