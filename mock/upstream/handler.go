package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// coachWords seeds the fake replies.
var coachWords = []string{
	"Keep", "your", "core", "tight", "and", "breathe", "out", "on", "the",
	"effort", "Rest", "two", "minutes", "between", "sets", "Hydrate", "well",
	"sleep", "eight", "hours", "progress", "slowly", "form", "first", "then",
	"load", "Warm", "up", "with", "light", "mobility", "work",
}

func fakeReply(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = coachWords[rand.IntN(len(coachWords))]
	}
	return strings.Join(words, " ") + "."
}

// newHandler serves /v1/chat/completions (JSON and SSE) and /v1/models.
func newHandler(cfg Config, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		if !authorized(cfg, r) {
			writeError(w, http.StatusUnauthorized, "Incorrect API key provided", "invalid_api_key")
			return
		}
		sleepMS(cfg.LatencyMS)
		if shouldFail(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil || !gjson.ValidBytes(body) {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		req := gjson.ParseBytes(body)
		if n := req.Get("messages.#").Int(); n == 0 {
			writeError(w, http.StatusBadRequest, "messages must be a non-empty array", "invalid_request_error")
			return
		}

		model := req.Get("model").String()
		if model == "" {
			model = "gpt-4o-mini"
		}
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		reply := fakeReply(cfg.StreamWords)

		log.Info("completion",
			slog.String("request_id", r.Header.Get("X-Request-Id")),
			slog.String("model", model),
			slog.Int64("messages", req.Get("messages.#").Int()),
			slog.Bool("stream", req.Get("stream").Bool()),
		)

		if req.Get("stream").Bool() {
			streamReply(w, cfg, id, model, reply)
			return
		}

		prompt := int(req.Get("messages.#").Int()) * 8
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     prompt,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      prompt + cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(cfg, r) {
			writeError(w, http.StatusUnauthorized, "Incorrect API key provided", "invalid_api_key")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o-mini", "object": "model", "created": 1721172741, "owned_by": "system"},
				{"id": "gpt-4o", "object": "model", "created": 1715367049, "owned_by": "system"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// streamReply writes one SSE chunk per word, then a finish chunk and [DONE].
func streamReply(w http.ResponseWriter, cfg Config, id, model, reply string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	send := func(delta map[string]string, finish any) {
		data, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	send(map[string]string{"role": "assistant"}, nil)
	for _, word := range strings.Fields(reply) {
		sleepMS(cfg.ChunkDelayMS)
		send(map[string]string{"content": word + " "}, nil)
	}
	send(map[string]string{}, "stop")

	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func authorized(cfg Config, r *http.Request) bool {
	if cfg.APIKey == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+cfg.APIKey
}

func sleepMS(ms int) {
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func shouldFail(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError uses the OpenAI error envelope so the gateway can log
// error.message.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": typ},
	})
}
