//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/runner"
	"github.com/zhezhiming/xpert/store"
	"github.com/zhezhiming/xpert/xpert"
)

// scriptModel replays a fixed sequence of assistant messages, one per call.
type scriptModel struct {
	mu    sync.Mutex
	queue []model.Message
}

func (m *scriptModel) GenerateContent(ctx context.Context, req *model.Request) (<-chan *model.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, errors.New("script exhausted")
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	ch := make(chan *model.Response, 1)
	ch <- &model.Response{Choices: []model.Choice{{Message: msg}}}
	close(ch)
	return ch, nil
}

func (m *scriptModel) Info() model.Info { return model.Info{Name: "script", Provider: "test"} }

func newTestRunner(t *testing.T, replies ...string) *runner.Runner {
	t.Helper()
	var queue []model.Message
	for _, reply := range replies {
		queue = append(queue, model.NewAssistantMessage(reply))
	}
	x := &xpert.Xpert{
		ID:      "x1",
		Slug:    "travel",
		Name:    "Travel Planner",
		Version: "1",
		Latest:  true,
		Agents:  []*xpert.XpertAgent{{Key: "planner"}},
		Entry:   "planner",
	}
	compiled, err := xpert.CompileAgent(context.Background(), x, "planner",
		&xpert.CompileConfig{Model: &scriptModel{queue: queue}})
	require.NoError(t, err)
	rn := runner.New()
	require.NoError(t, rn.RegisterAssistant(&runner.Assistant{Xpert: x, Compiled: compiled}))
	return rn
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any,
	headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAuthDisabledWithoutKeys(t *testing.T) {
	h := New(newTestRunner(t)).Handler()
	w := doJSON(t, h, http.MethodGet, "/threads/missing", nil, nil)
	// Authorized straight through to the handler.
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthAcceptsAPIKeyHeaders(t *testing.T) {
	h := New(newTestRunner(t), WithAPIKeys("k1")).Handler()

	w := doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"x-api-key": "k1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"Authorization": "Bearer k1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"x-api-key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientSecretSessionFlow(t *testing.T) {
	h := New(newTestRunner(t), WithAPIKeys("k1")).Handler()

	// Only API keys may mint sessions.
	w := doJSON(t, h, http.MethodPost, "/chatkit/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/chatkit/sessions", nil,
		map[string]string{"x-api-key": "k1"})
	require.Equal(t, http.StatusOK, w.Code)
	session := decode(t, w)
	secret, _ := session["client_secret"].(string)
	require.True(t, strings.HasPrefix(secret, ClientSecretPrefix))
	assert.NotEmpty(t, session["expires_at"])

	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"x-client-secret": secret})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"Authorization": "Bearer " + secret})
	assert.Equal(t, http.StatusOK, w.Code)

	// Client secrets cannot mint further sessions.
	w = doJSON(t, h, http.MethodPost, "/chatkit/sessions", nil,
		map[string]string{"x-client-secret": secret})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"x-client-secret": ClientSecretPrefix + "forged"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientSecretExpires(t *testing.T) {
	s := New(newTestRunner(t), WithAPIKeys("k1"), WithClientSecretTTL(time.Millisecond))
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/chatkit/sessions", nil,
		map[string]string{"x-api-key": "k1"})
	require.Equal(t, http.StatusOK, w.Code)
	secret := decode(t, w)["client_secret"].(string)

	time.Sleep(5 * time.Millisecond)
	w = doJSON(t, h, http.MethodPost, "/threads/search", map[string]any{},
		map[string]string{"x-client-secret": secret})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestThreadLifecycle(t *testing.T) {
	h := New(newTestRunner(t)).Handler()

	w := doJSON(t, h, http.MethodPost, "/threads",
		map[string]any{"thread_id": "t1", "metadata": map[string]any{"user": "alice"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t1", decode(t, w)["id"])

	// Duplicate raises by default, do_nothing returns the existing thread.
	w = doJSON(t, h, http.MethodPost, "/threads", map[string]any{"thread_id": "t1"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = doJSON(t, h, http.MethodPost, "/threads",
		map[string]any{"thread_id": "t1", "if_exists": "do_nothing"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/threads/t1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "open", decode(t, w)["state"])

	w = doJSON(t, h, http.MethodPost, "/threads/search",
		map[string]any{"metadata": map[string]any{"user": "alice"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var threads []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &threads))
	assert.Len(t, threads, 1)

	w = doJSON(t, h, http.MethodDelete, "/threads/t1", nil, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "t1", decode(t, w)["thread_id"])

	w = doJSON(t, h, http.MethodDelete, "/threads/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWaitRunReturnsFinalText(t *testing.T) {
	h := New(newTestRunner(t, "Lisbon in May.")).Handler()
	doJSON(t, h, http.MethodPost, "/threads", map[string]any{"thread_id": "t1"}, nil)

	w := doJSON(t, h, http.MethodPost, "/threads/t1/runs/wait", map[string]any{
		"assistant_id": "travel",
		"input":        map[string]any{"input": "where should I go?"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "ai", out["role"])
	assert.Equal(t, "Lisbon in May.", out["content"])
}

func TestCreateRunReturnsImmediatelyAndIsQueryable(t *testing.T) {
	h := New(newTestRunner(t, "done")).Handler()
	doJSON(t, h, http.MethodPost, "/threads", map[string]any{"thread_id": "t1"}, nil)

	w := doJSON(t, h, http.MethodPost, "/threads/t1/runs", map[string]any{
		"assistant_id": "travel",
		"input":        map[string]any{"input": "hi"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	runID, _ := decode(t, w)["id"].(string)
	require.NotEmpty(t, runID)

	w = doJSON(t, h, http.MethodGet, "/threads/t1/runs/"+runID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// A run is only addressable under its own thread.
	doJSON(t, h, http.MethodPost, "/threads", map[string]any{"thread_id": "t2"}, nil)
	w = doJSON(t, h, http.MethodGet, "/threads/t2/runs/"+runID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamRunEmitsSSEFrames(t *testing.T) {
	s := New(newTestRunner(t, "Lisbon in May."))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	doJSONURL := func(path string, body any) *http.Response {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rsp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		return rsp
	}
	rsp := doJSONURL("/threads", map[string]any{"thread_id": "t1"})
	rsp.Body.Close()

	rsp = doJSONURL("/threads/t1/runs/stream", map[string]any{
		"assistant_id": "travel",
		"input":        map[string]any{"input": "hi"},
	})
	defer rsp.Body.Close()
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "text/event-stream", rsp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, "on_run_start")
	assert.Contains(t, body, "on_run_end")
}

func TestAssistantEndpoints(t *testing.T) {
	h := New(newTestRunner(t)).Handler()

	w := doJSON(t, h, http.MethodPost, "/assistants/search", map[string]any{"query": ""}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var assistants []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &assistants))
	require.Len(t, assistants, 1)
	assert.Equal(t, "travel", assistants[0]["slug"])

	w = doJSON(t, h, http.MethodGet, "/assistants/travel", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, http.MethodGet, "/assistants/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStoreEndpoints(t *testing.T) {
	h := New(newTestRunner(t), WithStore(store.NewInMemoryStore())).Handler()

	w := doJSON(t, h, http.MethodPut, "/store/items", map[string]any{
		"namespace": []string{"users", "alice"},
		"key":       "prefs",
		"value":     map[string]any{"theme": "dark"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPut, "/store/items", map[string]any{
		"namespace": []string{"users", "alice"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/store/items?namespace=users,alice&key=prefs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	item := decode(t, w)
	assert.Equal(t, "prefs", item["key"])

	w = doJSON(t, h, http.MethodPost, "/store/items/search", map[string]any{
		"namespace_prefix": []string{"users"},
		"query":            "dark",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	assert.Len(t, items, 1)

	w = doJSON(t, h, http.MethodDelete, "/store/items?namespace=users,alice&key=prefs", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, http.MethodGet, "/store/items?namespace=users,alice&key=prefs", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStoreEndpointsWithoutStore(t *testing.T) {
	h := New(newTestRunner(t)).Handler()
	w := doJSON(t, h, http.MethodGet, "/store/items?key=prefs", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}
