//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/zhezhiming/xpert/event"
	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/model"
	"github.com/zhezhiming/xpert/runner"
)

type threadCreateRequest struct {
	ThreadID string         `json:"thread_id"`
	Metadata map[string]any `json:"metadata"`
	// IfExists is "raise" (default) or "do_nothing".
	IfExists string `json:"if_exists"`
}

type threadSearchRequest struct {
	Metadata map[string]any `json:"metadata"`
	Limit    int            `json:"limit"`
	Offset   int            `json:"offset"`
}

// commandPayload is the resume channel of a run create request.
type commandPayload struct {
	Resume    any              `json:"resume,omitempty"`
	ResumeMap map[string]any   `json:"resume_map,omitempty"`
	Update    map[string]any   `json:"update,omitempty"`
	GoTo      string           `json:"goto,omitempty"`
	ToolCalls []model.ToolCall `json:"toolCalls,omitempty"`
}

func (c *commandPayload) toCommand() *graph.Command {
	if c == nil {
		return nil
	}
	cmd := &graph.Command{
		Resume:    c.Resume,
		ResumeMap: c.ResumeMap,
		GoTo:      c.GoTo,
		ToolCalls: c.ToolCalls,
	}
	if c.Update != nil {
		cmd.Update = graph.State(c.Update)
	}
	return cmd
}

type chatRequest struct {
	Input      string          `json:"input"`
	Parameters map[string]any  `json:"parameters"`
	Command    *commandPayload `json:"command"`
	Lang       string          `json:"lang"`
}

type runCreateRequest struct {
	AssistantID string         `json:"assistant_id"`
	Input       chatRequest    `json:"input"`
	Metadata    map[string]any `json:"metadata"`
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrThreadExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req threadCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	raise := req.IfExists != "do_nothing"
	thread, err := s.runner.CreateThread(r.Context(), req.ThreadID, req.Metadata, raise)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleSearchThreads(w http.ResponseWriter, r *http.Request) {
	var req threadSearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	threads := s.runner.SearchThreads(req.Metadata, req.Limit, req.Offset)
	if threads == nil {
		threads = []*runner.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := s.runner.Thread(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

// handleDeleteThread accepts the deletion and performs it asynchronously.
func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.runner.Thread(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.runner.DeleteThread(ctx, id); err != nil {
			log.Warnf("delete thread %s: %v", id, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"thread_id": id})
}

func (s *Server) handleThreadState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	values, err := s.runner.ThreadState(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"values": values})
}

func (s *Server) runRequest(threadID string, req *runCreateRequest) *runner.RunRequest {
	return &runner.RunRequest{
		AssistantID: req.AssistantID,
		ThreadID:    threadID,
		Input:       req.Input.Input,
		Parameters:  req.Input.Parameters,
		Command:     req.Input.Command.toCommand(),
		Lang:        req.Input.Lang,
		Metadata:    req.Metadata,
	}
}

// handleCreateRun starts a background run and returns it immediately.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, bus, err := s.runner.StartRun(context.Background(),
		s.runRequest(mux.Vars(r)["id"], &req))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	// Nobody is watching a background run; drain so the producer never
	// blocks on a full bus.
	go func() {
		for range bus.Events() {
		}
	}()
	writeJSON(w, http.StatusOK, run)
}

// sseFrame is the payload of each SSE data line.
type sseFrame struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// handleStreamRun starts a run and streams its events as SSE. Client
// disconnect cancels the run context, aborting the run.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	var req runCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	_, bus, err := s.runner.StartRun(r.Context(), s.runRequest(mux.Vars(r)["id"], &req))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case ev, open := <-bus.Events():
			if !open {
				return
			}
			writeSSE(w, flusher, ev)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			// The run context is the request context; the executor
			// observes the cancellation and aborts.
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev *event.Event) {
	raw, err := json.Marshal(sseFrame{
		Type:  "event",
		Event: string(ev.Type),
		Data:  ev.Data,
	})
	if err != nil {
		log.Warnf("encode sse event: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	flusher.Flush()
}

// handleWaitRun starts a run, waits for it to finish, and returns the final
// assistant text.
func (s *Server) handleWaitRun(w http.ResponseWriter, r *http.Request) {
	var req runCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, bus, err := s.runner.StartRun(r.Context(), s.runRequest(mux.Vars(r)["id"], &req))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	final, err := s.runner.Wait(bus, run.ID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if final.Status == runner.RunStatusError {
		writeError(w, http.StatusInternalServerError, final.Error)
		return
	}
	content, _ := final.Outputs["content"].(string)
	writeJSON(w, http.StatusOK, map[string]any{"role": "ai", "content": content})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	run, err := s.runner.Run(vars["run_id"])
	if err != nil || run.ThreadID != vars["id"] {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type assistantSearchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleSearchAssistants(w http.ResponseWriter, r *http.Request) {
	var req assistantSearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	assistants := s.runner.Assistants(req.Query)
	out := make([]any, 0, len(assistants))
	for _, a := range assistants {
		out = append(out, a.Xpert)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	a, err := s.runner.Assistant(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.Xpert)
}

type storeItemRequest struct {
	Namespace []string       `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
}

type storeSearchRequest struct {
	NamespacePrefix []string `json:"namespace_prefix"`
	Query           string   `json:"query"`
	Limit           int      `json:"limit"`
}

func (s *Server) handlePutStoreItem(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "store not configured")
		return
	}
	var req storeItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.store.Put(r.Context(), req.Namespace, req.Key, req.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func storeQueryParams(r *http.Request) ([]string, string) {
	var namespace []string
	if raw := r.URL.Query().Get("namespace"); raw != "" {
		namespace = strings.Split(raw, ",")
	}
	return namespace, r.URL.Query().Get("key")
}

func (s *Server) handleGetStoreItem(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "store not configured")
		return
	}
	namespace, key := storeQueryParams(r)
	item, err := s.store.Get(r.Context(), namespace, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleDeleteStoreItem(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "store not configured")
		return
	}
	namespace, key := storeQueryParams(r)
	if err := s.store.Delete(r.Context(), namespace, key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSearchStoreItems(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "store not configured")
		return
	}
	var req storeSearchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.store.Search(r.Context(), req.NamespacePrefix, req.Query, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, items)
}
