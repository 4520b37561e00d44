// Package server exposes the engine over HTTP: a completion endpoint
// with optional streaming, a health probe, and Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"scalellm-go/scalellm"
)

// CompletionRequest is the POST /v1/completions payload.
type CompletionRequest struct {
	Prompt       string   `json:"prompt"`
	N            int      `json:"n,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	IgnoreEOS    bool     `json:"ignore_eos,omitempty"`
	Stop         []string `json:"stop,omitempty"`
	StopTokenIDs []int    `json:"stop_token_ids,omitempty"`
	Seed         int64    `json:"seed,omitempty"`
	Logprobs     bool     `json:"logprobs,omitempty"`
	Priority     float64  `json:"priority,omitempty"`
	Stream       bool     `json:"stream,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server routes HTTP traffic to an engine.
type Server struct {
	engine *scalellm.Engine
	router chi.Router
	log    *logrus.Entry
}

// New builds the server and its routes.
func New(engine *scalellm.Engine) *Server {
	s := &Server{
		engine: engine,
		log:    logrus.WithField("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/v1/completions", s.handleCompletions)
	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Info("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	ctx := r.Context()
	// Buffered so the scheduling thread rarely blocks on a slow client;
	// when it does, client disconnect still unblocks it.
	outCh := make(chan scalellm.RequestOutput, 16)
	cb := func(out scalellm.RequestOutput) bool {
		select {
		case outCh <- out:
			return true
		case <-ctx.Done():
			return false
		}
	}

	_, err := s.engine.AddRequest(scalellm.Request{
		Prompt:   req.Prompt,
		Params:   samplingParams(&req),
		Priority: req.Priority,
		Stream:   req.Stream,
	}, cb)
	if err != nil {
		var admErr *scalellm.AdmissionError
		if errors.As(err, &admErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: admErr.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	if req.Stream {
		s.streamOutputs(w, r, outCh)
		return
	}

	select {
	case out := <-outCh:
		if out.Status != nil {
			writeJSON(w, http.StatusInternalServerError, out)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case <-ctx.Done():
		// The callback observes the same context and cancels the request.
	}
}

// streamOutputs writes newline-delimited JSON chunks, flushing after
// each, until the final output or client disconnect.
func (s *Server) streamOutputs(w http.ResponseWriter, r *http.Request, outCh <-chan scalellm.RequestOutput) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for {
		select {
		case out := <-outCh:
			if err := enc.Encode(out); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if out.Finished {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func samplingParams(req *CompletionRequest) *scalellm.SamplingParams {
	var opts []scalellm.SamplingOption
	if req.N > 0 {
		opts = append(opts, scalellm.WithN(req.N))
	}
	if req.Temperature != nil {
		opts = append(opts, scalellm.WithTemperature(*req.Temperature))
	}
	if req.TopP != nil {
		opts = append(opts, scalellm.WithTopP(*req.TopP))
	}
	if req.TopK != nil {
		opts = append(opts, scalellm.WithTopK(*req.TopK))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, scalellm.WithMaxTokens(req.MaxTokens))
	}
	if req.IgnoreEOS {
		opts = append(opts, scalellm.WithIgnoreEOS(true))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, scalellm.WithStop(req.Stop...))
	}
	if len(req.StopTokenIDs) > 0 {
		opts = append(opts, scalellm.WithStopTokenIDs(req.StopTokenIDs...))
	}
	if req.Seed != 0 {
		opts = append(opts, scalellm.WithSeed(req.Seed))
	}
	if req.Logprobs {
		opts = append(opts, scalellm.WithLogprobs(true))
	}
	return scalellm.NewSamplingParams(opts...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write response")
	}
}
