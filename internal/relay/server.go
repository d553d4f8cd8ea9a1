// Package relay is the AI chat relay: an HTTP endpoint that wraps an
// OpenAI-compatible gateway with kBot personas, and the client that
// consumes it.
package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	ctxengine "github.com/user/khappy/internal/context"
	"github.com/user/khappy/pkg/llm"
)

// ChatPath is the relay endpoint.
const ChatPath = "/functions/v1/ai-chat"

const (
	msgRateLimited    = "Rate limit exceeded. Please try again later."
	msgQuotaExhausted = "AI credits exhausted. Please add credits."
	msgUpstream       = "AI gateway error"
	maxRequestBody    = 1 << 20
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
	"Access-Control-Allow-Methods": "POST, OPTIONS",
}

// ServerConfig tunes admission control.
type ServerConfig struct {
	// RPS and Burst shape the per-client token bucket.
	RPS   float64
	Burst int
	// MaxStreams caps concurrent upstream requests.
	MaxStreams int64
}

// Server is the relay http.Handler.
type Server struct {
	provider llm.Provider
	engine   *ctxengine.Engine
	limiters *limiterPool
	streams  *semaphore.Weighted
	metrics  *Metrics
	mux      *http.ServeMux
}

// NewServer creates a relay. A nil provider makes every chat request fail
// with a configuration error.
func NewServer(provider llm.Provider, engine *ctxengine.Engine, cfg ServerConfig, metrics *Metrics) *Server {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 8
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		provider: provider,
		engine:   engine,
		limiters: newLimiterPool(cfg.RPS, cfg.Burst),
		streams:  semaphore.NewWeighted(cfg.MaxStreams),
		metrics:  metrics,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("OPTIONS "+ChatPath, s.handleOptions)
	s.mux.HandleFunc("POST "+ChatPath, s.handleChat)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// PruneLimiters forgets clients idle for longer than idle.
func (s *Server) PruneLimiters(idle time.Duration) int {
	return s.limiters.prune(idle)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusOK)
}

// chatRequest is the JSON body for POST /functions/v1/ai-chat.
type chatRequest struct {
	Messages []llm.Message `json:"messages"`
	Mode     string        `json:"mode"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	setCORS(w)

	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.metrics.observe("unknown", outcomeBadRequest, time.Since(start).Seconds())
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mode := ctxengine.ParseMode(req.Mode)
	done := func(outcome string) {
		s.metrics.observe(string(mode), outcome, time.Since(start).Seconds())
	}

	if len(req.Messages) == 0 {
		done(outcomeBadRequest)
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if s.provider == nil {
		done(outcomeUpstreamError)
		writeError(w, http.StatusInternalServerError, "AI API key is not configured")
		return
	}
	if !s.limiters.Allow(clientKey(r)) {
		done(outcomeThrottled)
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}
	if !s.streams.TryAcquire(1) {
		done(outcomeThrottled)
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}
	defer s.streams.Release(1)
	s.metrics.active.Inc()
	defer s.metrics.active.Dec()

	messages, model, err := s.engine.BuildPrompt(mode, req.Messages)
	if err != nil {
		slog.Error("build prompt failed", "mode", mode, "error", err)
		done(outcomeUpstreamError)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	upstream := &llm.Request{Model: model, Messages: messages}

	if !mode.Streams() {
		upstream.Modalities = []string{"image", "text"}
		body, err := s.provider.Complete(r.Context(), upstream)
		if err != nil {
			done(s.writeUpstreamError(w, mode, err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		done(outcomeOK)
		return
	}

	upstream.Stream = true
	body, err := s.provider.Stream(r.Context(), upstream)
	if err != nil {
		done(s.writeUpstreamError(w, mode, err))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := copyFlush(w, body); err != nil {
		slog.Warn("relay stream interrupted", "mode", mode, "error", err)
		done(outcomeStreamError)
		return
	}
	done(outcomeOK)
}

// writeUpstreamError maps a provider failure to the relay's error
// responses and returns the outcome label.
func (s *Server) writeUpstreamError(w http.ResponseWriter, mode ctxengine.Mode, err error) string {
	var status *llm.StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusTooManyRequests:
			writeError(w, http.StatusTooManyRequests, msgRateLimited)
			return outcomeRateLimited
		case http.StatusPaymentRequired:
			writeError(w, http.StatusPaymentRequired, msgQuotaExhausted)
			return outcomeQuotaExhausted
		}
		slog.Error("AI gateway error", "mode", mode, "status", status.StatusCode, "body", string(status.Body))
	} else {
		slog.Error("AI gateway request failed", "mode", mode, "error", err)
	}
	writeError(w, http.StatusInternalServerError, msgUpstream)
	return outcomeUpstreamError
}

// copyFlush relays src to w, flushing after every read.
func copyFlush(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func setCORS(w http.ResponseWriter) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
