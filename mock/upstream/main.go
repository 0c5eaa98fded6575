// Command upstream runs a fake OpenAI-compatible completion API so the coach
// gateway can be exercised locally and under load without real credentials.
//
//	go run ./mock/upstream
//	UPSTREAM_BASE_URL=http://localhost:19001/v1 UPSTREAM_API_KEY=mock ./gateway
//
// Behaviour flags (via env):
//
//	PORT                  listen port (default 19001)
//	MOCK_API_KEY          when set, requests must carry "Authorization: Bearer <key>"
//	MOCK_LATENCY_MS       artificial latency before every response (default 0)
//	MOCK_ERROR_RATE       fraction [0,1] of requests answered with HTTP 500 (default 0)
//	MOCK_STREAM_WORDS     words per reply (default 12)
//	MOCK_CHUNK_DELAY_MS   pause between streamed chunks (default 0)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime behaviour of the fake upstream.
type Config struct {
	APIKey       string
	LatencyMS    int
	ErrorRate    float64
	StreamWords  int
	ChunkDelayMS int
}

func loadConfig() Config {
	c := Config{StreamWords: 12, APIKey: os.Getenv("MOCK_API_KEY")}

	c.LatencyMS = envInt("MOCK_LATENCY_MS", 0)
	c.ChunkDelayMS = envInt("MOCK_CHUNK_DELAY_MS", 0)
	if n := envInt("MOCK_STREAM_WORDS", 0); n > 0 {
		c.StreamWords = n
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	return c
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19001"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newHandler(cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("mock upstream listening",
		slog.String("addr", srv.Addr),
		slog.Bool("auth", cfg.APIKey != ""),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock upstream stopped")
}
