// SPDX-License-Identifier: Apache-2.0

// Package httptransport exposes the starter's API service: run creation,
// per-run event streaming, dead-letter lookup, and replay. Runs live in an
// in-memory registry; the DriftQ broker holds the durable event flow.
package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/driftq-starter/internal/domain"
	"github.com/adiadia/driftq-starter/internal/driftq"
	"github.com/adiadia/driftq-starter/internal/metrics"
	"github.com/adiadia/driftq-starter/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const keepAliveInterval = 15 * time.Second

type createRunRequest struct {
	Workflow string         `json:"workflow"`
	Input    map[string]any `json:"input"`
	FailAt   string         `json:"fail_at"`
}

type emitEventRequest struct {
	Event domain.Event `json:"event"`
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		broker, err := deps.Broker.Healthz(r.Context())
		if err != nil {
			logger.Warn("broker health check failed", "error", err)
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"broker": broker,
		})
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- RUNS ----------------

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.RateLimitPerMin, logger))

		// ---------------- CREATE RUN ----------------

		r.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqBody, err := decodeCreateRunRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			run := domain.Run{
				RunID:     uuid.NewString(),
				Workflow:  valueOrDefault(reqBody.Workflow, "demo"),
				Input:     reqBody.Input,
				FailAt:    strings.TrimSpace(reqBody.FailAt),
				ReplaySeq: 0,
				CreatedMS: domain.NowMS(),
			}

			for _, topic := range []string{
				domain.CommandsTopic,
				domain.DeadLetterTopic,
				domain.EventsTopic(run.RunID),
			} {
				if err := deps.Broker.EnsureTopic(ctx, topic, 1); err != nil {
					logger.Error("ensure topic failed", "topic", topic, "error", err)
					http.Error(w, "failed to create run", http.StatusInternalServerError)
					return
				}
			}

			if err := publishEvent(r, deps, run.RunID, domain.Event{
				"ts":       domain.NowMS(),
				"type":     domain.EventRunCreated,
				"run_id":   run.RunID,
				"workflow": run.Workflow,
				"fail_at":  run.FailAt,
			}); err != nil {
				logger.Error("publish run.created failed", "run_id", run.RunID, "error", err)
				http.Error(w, "failed to create run", http.StatusInternalServerError)
				return
			}

			if err := publishCommand(r, deps, run); err != nil {
				logger.Error("publish command failed", "run_id", run.RunID, "error", err)
				http.Error(w, "failed to create run", http.StatusInternalServerError)
				return
			}

			deps.Runs.Put(run)
			metrics.IncRunCreated()
			logger.Info("run created via API", "run_id", run.RunID, "workflow", run.Workflow, "fail_at", run.FailAt)

			writeJSON(w, http.StatusOK, map[string]string{
				"run_id": run.RunID,
			})
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "id")
			if _, ok := deps.Runs.Get(runID); !ok {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}

			// Each observer gets its own consumer group so concurrent
			// observers of the same run all see every event.
			clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
			if clientID == "" {
				clientID = uuid.NewString()
			}
			group := "ui-" + clientID

			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			stream, err := deps.Broker.Consume(r.Context(), driftq.ConsumeOptions{
				Topic: domain.EventsTopic(runID),
				Group: group,
			})
			if err != nil {
				logger.Error("sse consume failed", "run_id", runID, "group", group, "error", err)
				http.Error(w, "failed to stream events", http.StatusInternalServerError)
				return
			}
			defer func() { _ = stream.Close() }()

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			metrics.IncStreamClients()
			defer metrics.DecStreamClients()

			writeEvent := func(ev domain.Event) error {
				payload, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return err
				}
				flusher.Flush()
				return nil
			}

			if err := writeEvent(domain.Event{
				"ts":        domain.NowMS(),
				"type":      domain.EventStreamConnected,
				"run_id":    runID,
				"client_id": clientID,
			}); err != nil {
				return
			}

			// A reconnecting observer may have missed the push signal; replay
			// the availability marker when a record is already indexed.
			if rec, ok := deps.DeadLetters.Get(runID); ok {
				if err := writeEvent(domain.Event{
					"ts":         domain.NowMS(),
					"type":       domain.EventDeadLetterAvailable,
					"run_id":     runID,
					"replay_seq": rec.ReplaySeq,
				}); err != nil {
					return
				}
			}

			msgs := make(chan driftq.Message)
			go func() {
				defer close(msgs)
				for {
					msg, ok := stream.Next()
					if !ok {
						return
					}
					select {
					case msgs <- msg:
					case <-r.Context().Done():
						return
					}
				}
			}()

			keepAlive := time.NewTicker(keepAliveInterval)
			defer keepAlive.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-keepAlive.C:
					if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
						return
					}
					flusher.Flush()
				case msg, ok := <-msgs:
					if !ok {
						if err := stream.Err(); err != nil {
							logger.Warn("sse broker stream ended", "run_id", runID, "error", err)
						}
						return
					}
					if err := writeEvent(domain.Event(driftq.DecodeValue(msg))); err != nil {
						return
					}
					if err := deps.Broker.Ack(r.Context(), domain.EventsTopic(runID), group, msg); err != nil {
						logger.Warn("sse ack failed", "run_id", runID, "offset", msg.Offset, "error", err)
					}
				}
			}
		})

		// ---------------- DEAD-LETTER LOOKUP ----------------

		r.Get("/runs/{id}/dlq", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "id")

			rec, ok := deps.DeadLetters.Get(runID)
			if !ok {
				http.Error(w, "no dlq record for run", http.StatusNotFound)
				return
			}

			writeJSON(w, http.StatusOK, rec)
		})

		// ---------------- REPLAY RUN ----------------

		r.Post("/runs/{id}/replay", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "id")
			if _, ok := deps.Runs.Get(runID); !ok {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}

			// fail_at is tri-state: absent keeps the stored injection, an
			// explicit null clears it, a string overrides it.
			body, err := decodeReplayRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			if raw, ok := body["fail_at"]; ok {
				failAt, err := decodeFailAtOverride(raw)
				if err != nil {
					http.Error(w, "invalid fail_at", http.StatusBadRequest)
					return
				}
				if _, err := deps.Runs.SetFailAt(runID, failAt); err != nil {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
			}

			run, err := deps.Runs.BumpReplaySeq(runID)
			if err != nil {
				if errors.Is(err, domain.ErrRunNotFound) {
					http.Error(w, "run not found", http.StatusNotFound)
					return
				}
				logger.Error("replay bump failed", "run_id", runID, "error", err)
				http.Error(w, "failed to replay run", http.StatusInternalServerError)
				return
			}

			if err := publishEvent(r, deps, runID, domain.Event{
				"ts":         domain.NowMS(),
				"type":       domain.EventReplayRequested,
				"run_id":     runID,
				"replay_seq": run.ReplaySeq,
			}); err != nil {
				logger.Error("publish replay event failed", "run_id", runID, "error", err)
				http.Error(w, "failed to replay run", http.StatusInternalServerError)
				return
			}

			if err := publishCommand(r, deps, run); err != nil {
				logger.Error("republish command failed", "run_id", runID, "error", err)
				http.Error(w, "failed to replay run", http.StatusInternalServerError)
				return
			}

			metrics.IncReplay()
			logger.Info("run replay requested via API", "run_id", runID, "replay_seq", run.ReplaySeq, "fail_at", run.FailAt)

			writeJSON(w, http.StatusOK, map[string]any{
				"ok":         true,
				"run_id":     runID,
				"replay_seq": run.ReplaySeq,
			})
		})

		// ---------------- EMIT EVENT ----------------

		r.Post("/runs/{id}/emit", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "id")
			if _, ok := deps.Runs.Get(runID); !ok {
				http.Error(w, "run not found", http.StatusNotFound)
				return
			}

			reqBody, err := decodeEmitEventRequest(r)
			if err != nil || len(reqBody.Event) == 0 {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			event := reqBody.Event
			if _, ok := event["ts"]; !ok {
				event["ts"] = domain.NowMS()
			}
			event["run_id"] = runID

			if err := publishEvent(r, deps, runID, event); err != nil {
				logger.Error("emit event failed", "run_id", runID, "error", err)
				http.Error(w, "failed to emit event", http.StatusInternalServerError)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
	})

	return r
}

func publishEvent(r *http.Request, deps Deps, runID string, event domain.Event) error {
	return deps.Broker.Produce(r.Context(), domain.EventsTopic(runID), map[string]any(event), &driftq.ProduceOptions{
		Key: runID,
	})
}

// publishCommand puts the run's work order on the commands topic. The
// idempotency key covers run and replay sequence, so broker-level retries of
// the same publish never enqueue duplicate work.
func publishCommand(r *http.Request, deps Deps, run domain.Run) error {
	command := map[string]any{
		"run_id":     run.RunID,
		"workflow":   run.Workflow,
		"input":      run.Input,
		"fail_at":    run.FailAt,
		"replay_seq": run.ReplaySeq,
	}
	return deps.Broker.Produce(r.Context(), domain.CommandsTopic, command, &driftq.ProduceOptions{
		Key:            run.RunID,
		IdempotencyKey: fmt.Sprintf("cmd:%s:%d", run.RunID, run.ReplaySeq),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeCreateRunRequest(r *http.Request) (createRunRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return createRunRequest{}, nil
	}

	var req createRunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return createRunRequest{}, nil
		}
		return createRunRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return createRunRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	return req, nil
}

func decodeReplayRequest(r *http.Request) (map[string]json.RawMessage, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	var body map[string]json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("request body must contain exactly one JSON object")
	}

	return body, nil
}

func decodeFailAtOverride(raw json.RawMessage) (string, error) {
	if string(raw) == "null" {
		return "", nil
	}
	var failAt string
	if err := json.Unmarshal(raw, &failAt); err != nil {
		return "", err
	}
	return strings.TrimSpace(failAt), nil
}

func decodeEmitEventRequest(r *http.Request) (emitEventRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return emitEventRequest{}, errors.New("empty request body")
	}

	var req emitEventRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return emitEventRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return emitEventRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
