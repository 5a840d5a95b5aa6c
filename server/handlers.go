package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/aimaestro/gpuproxy/gpu"
	"github.com/aimaestro/gpuproxy/metrics"
	"github.com/aimaestro/gpuproxy/models"
	"github.com/aimaestro/gpuproxy/proxy"
	"github.com/aimaestro/gpuproxy/services"
)

// handleInference is the one entry point for every GPU-bound endpoint:
// parse, reserve, proxy, release. The reservation's deferred Release runs
// on every exit path, including a client disconnect mid-stream.
func (s *Server) handleInference(spec routeSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		var reqBody models.RequestBody
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if reqBody.Model == "" {
			metrics.ObserveRequest(spec.path, "malformed")
			http.Error(w, "model is required", http.StatusBadRequest)
			return
		}

		if spec.ollama {
			keepAlive := -1
			reqBody.KeepAlive = &keepAlive
			if reqBody.Stream == nil {
				stream := true
				reqBody.Stream = &stream
			}
		}

		bodyBytes, err := json.Marshal(reqBody.Merged())
		if err != nil {
			http.Error(w, "error processing request", http.StatusInternalServerError)
			return
		}

		// The timeout bounds only the GPU wait; a bound stream runs as
		// long as the client stays connected.
		acquireCtx := r.Context()
		if s.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(acquireCtx, s.cfg.RequestTimeout)
			defer cancel()
		}

		waitStart := time.Now()
		res, err := s.scheduler.Acquire(acquireCtx, reqBody.Model)
		if err != nil {
			s.writeScheduleError(acquireCtx, w, r, spec.path, reqBody.Model, err)
			return
		}
		defer res.Release()
		metrics.ObserveReservation(reqBody.Model, time.Since(waitStart).Seconds())
		metrics.SetQueueDepth(s.scheduler.QueueDepth())

		stream := reqBody.Stream != nil && *reqBody.Stream
		if err := s.router.Route(w, r, bodyBytes, res.Assignment.Addr(), stream); err != nil {
			metrics.ObserveRequest(spec.path, "backend_error")
			s.log.Errorw("proxying request", "model", reqBody.Model, "error", err)
			if errors.Is(err, proxy.ErrBackendRequestFailed) && !stream {
				http.Error(w, "error proxying request", http.StatusBadGateway)
			}
			return
		}
		metrics.ObserveRequest(spec.path, "ok")
	}
}

// handlePassthrough serves category-level paths that need no reservation:
// any live instance of the right kind will do.
func (s *Server) handlePassthrough(spec routeSpec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		containers, err := s.assignments.Containers(r.Context(), spec.output)
		if err != nil {
			s.log.Errorw("listing containers", "output", spec.output, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if len(containers) == 0 {
			http.Error(w, "no backend available", http.StatusNotFound)
			return
		}

		if err := s.router.Route(w, r, nil, containers[0].Addr(), false); err != nil {
			s.log.Errorw("proxying passthrough request", "path", spec.path, "error", err)
			http.Error(w, "error proxying request", http.StatusBadGateway)
		}
	}
}

func (s *Server) writeScheduleError(acquireCtx context.Context, w http.ResponseWriter, r *http.Request, path, model string, err error) {
	switch {
	case errors.Is(err, services.ErrAssignmentNotFound):
		metrics.ObserveRequest(path, "not_found")
		http.Error(w, "no assignment found for model "+model, http.StatusNotFound)
	case errors.Is(err, gpu.ErrBackendUnavailable):
		metrics.ObserveRequest(path, "lock_backend_down")
		s.log.Errorw("lock backend unavailable", "model", model, "error", err)
		http.Error(w, "gpu lock backend unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded) && acquireCtx.Err() != nil && r.Context().Err() == nil:
		metrics.ObserveRequest(path, "timeout")
		http.Error(w, "timeout waiting for GPU", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		// Client went away while we waited; nothing left to answer.
		metrics.ObserveRequest(path, "cancelled")
	default:
		metrics.ObserveRequest(path, "error")
		s.log.Errorw("acquiring reservation", "model", model, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// handleReserve is the manual single-attempt reserve. The reservation has
// no owning request, so the caller must keep it alive with /gpu/ping or
// the sweeper takes it back after the lock timeout.
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	modelName := mux.Vars(r)["modelName"]

	res, err := s.scheduler.AcquireOnce(r.Context(), modelName)
	switch {
	case errors.Is(err, services.ErrAssignmentNotFound):
		http.Error(w, "no assignment found for model "+modelName, http.StatusNotFound)
		return
	case errors.Is(err, services.ErrAllBusy):
		http.Error(w, "no suitable GPU available", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Errorw("manual reserve", "model", modelName, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   res.Assignment.Name,
		"host":   res.Assignment.Host,
		"port":   res.Assignment.Port,
		"gpuIds": res.GpuIDs,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	gpuIDs := splitIDs(mux.Vars(r)["gpuIds"])
	if len(gpuIDs) == 0 {
		http.Error(w, "gpuIds must be provided", http.StatusBadRequest)
		return
	}

	if err := s.locks.Release(r.Context(), gpuIDs); err != nil {
		s.log.Errorw("manual release", "gpus", gpuIDs, "error", err)
		http.Error(w, "failed to release GPU(s)", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "GPU(s) released"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	gpuIDs := splitIDs(mux.Vars(r)["gpuIds"])
	if len(gpuIDs) == 0 {
		http.Error(w, "gpuIds must be provided", http.StatusBadRequest)
		return
	}

	if err := s.locks.RefreshActivity(r.Context(), gpuIDs); err != nil {
		s.log.Errorw("manual ping", "gpus", gpuIDs, "error", err)
		http.Error(w, "failed to refresh GPU(s)", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ping successful"})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	removed, err := s.assignments.ClearCache(r.Context())
	if err != nil {
		s.log.Errorw("clearing cache", "error", err)
		http.Error(w, "failed to clear cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	locksHealthy := s.locks.Healthy(r.Context())
	dbHealthy := s.assignments.Healthy(r.Context())

	gpuStates := map[string]bool{}
	if locksHealthy {
		if statuses, err := s.locks.Statuses(r.Context()); err == nil {
			for _, status := range statuses {
				gpuStates[status.GpuID] = status.Locked
			}
		}
	}

	status := http.StatusOK
	if !locksHealthy || !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":      locksHealthy && dbHealthy,
		"lock_backend": locksHealthy,
		"database":     dbHealthy,
		"gpus":         gpuStates,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}
