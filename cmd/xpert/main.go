//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Command xpert serves the agent runtime over HTTP. Configuration comes
// from the environment:
//
//	PORT                listen port (default 8080)
//	LOG_LEVEL           error | warn | log | debug | verbose
//	CORS_ALLOW_ORIGINS  comma-separated allowed origins
//	API_KEYS            comma-separated accepted API keys (empty disables auth)
//	PLUGINS             comma/semicolon-separated middleware plugins (e.g. todo)
//	CHECKPOINT_DB       sqlite DSN for checkpoints (empty keeps them in memory)
//	LEDGER_DB           sqlite DSN for the execution ledger
//	XPERT_CONFIG        path to a JSON file with the assistant definitions
//	OPENAI_API_KEY      model provider credentials
//	OPENAI_BASE_URL     optional provider base url
//	MODEL_NAME          chat model name (default gpt-4o-mini)
package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/zhezhiming/xpert/graph"
	"github.com/zhezhiming/xpert/graph/checkpoint/inmemory"
	"github.com/zhezhiming/xpert/graph/checkpoint/sqlite"
	"github.com/zhezhiming/xpert/ledger"
	"github.com/zhezhiming/xpert/log"
	"github.com/zhezhiming/xpert/middleware"
	"github.com/zhezhiming/xpert/model/openai"
	"github.com/zhezhiming/xpert/runner"
	"github.com/zhezhiming/xpert/server"
	"github.com/zhezhiming/xpert/store"
	"github.com/zhezhiming/xpert/xpert"
)

func main() {
	log.SetLevel(envOr("LOG_LEVEL", "log"))

	saver, err := newSaver()
	if err != nil {
		log.Fatalf("open checkpoint store: %v", err)
	}
	recorder, err := newRecorder()
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}

	rn := runner.New(
		runner.WithCheckpointSaver(saver),
		runner.WithRecorder(recorder),
	)
	defer rn.Close()

	if err := registerAssistants(rn, saver); err != nil {
		log.Fatalf("register assistants: %v", err)
	}

	opts := []server.Option{server.WithStore(store.NewInMemoryStore())}
	if origins := splitList(os.Getenv("CORS_ALLOW_ORIGINS")); len(origins) > 0 {
		opts = append(opts, server.WithCORSOrigins(origins...))
	}
	if keys := splitList(os.Getenv("API_KEYS")); len(keys) > 0 {
		opts = append(opts, server.WithAPIKeys(keys...))
	}
	srv := server.New(rn, opts...)

	addr := ":" + envOr("PORT", "8080")
	if err := srv.ListenAndServe(addr); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func newSaver() (graph.CheckpointSaver, error) {
	if dsn := os.Getenv("CHECKPOINT_DB"); dsn != "" {
		return sqlite.NewSaver(dsn)
	}
	return inmemory.NewSaver(), nil
}

func newRecorder() (ledger.Recorder, error) {
	if dsn := os.Getenv("LEDGER_DB"); dsn != "" {
		return ledger.NewSQLiteRecorder(dsn)
	}
	return ledger.NewMemoryRecorder(), nil
}

// registerAssistants loads the assistant definitions and compiles each
// xpert's entry agent.
func registerAssistants(rn *runner.Runner, saver graph.CheckpointSaver) error {
	path := os.Getenv("XPERT_CONFIG")
	if path == "" {
		log.Warnf("XPERT_CONFIG not set, no assistants registered")
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var xperts []*xpert.Xpert
	if err := json.Unmarshal(raw, &xperts); err != nil {
		return err
	}

	chat := openai.New(envOr("MODEL_NAME", "gpt-4o-mini"),
		openai.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
		openai.WithBaseURL(os.Getenv("OPENAI_BASE_URL")),
	)
	pipeline, err := pluginPipeline()
	if err != nil {
		return err
	}
	cfg := &xpert.CompileConfig{
		Model:       chat,
		Saver:       saver,
		Middlewares: map[string]*middleware.Pipeline{"": pipeline},
	}
	for _, x := range xperts {
		compiled, err := xpert.CompileAgent(context.Background(), x, x.Entry, cfg)
		if err != nil {
			return err
		}
		if err := rn.RegisterAssistant(&runner.Assistant{Xpert: x, Compiled: compiled}); err != nil {
			return err
		}
		log.Infof("registered assistant %s (%s)", x.Slug, x.Version)
	}
	return nil
}

// pluginPipeline maps PLUGINS entries to built-in middlewares.
func pluginPipeline() (*middleware.Pipeline, error) {
	var mws []middleware.Middleware
	for _, name := range splitList(os.Getenv("PLUGINS")) {
		switch name {
		case "todo":
			mws = append(mws, middleware.NewTodoList())
		default:
			log.Warnf("unknown plugin %q ignored", name)
		}
	}
	if len(mws) == 0 {
		return nil, nil
	}
	return middleware.NewPipeline(mws...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	raw = strings.ReplaceAll(raw, ";", ",")
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
