package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aimaestro/gpuproxy/gpu"
	"github.com/aimaestro/gpuproxy/models"
	"github.com/aimaestro/gpuproxy/services"
)

// Handler upgrades /ws connections into reservation sessions: a client can
// hold GPUs across many of its own requests and release them explicitly,
// with a heartbeat so a silent client can't hold them forever.
type Handler struct {
	scheduler    *services.Scheduler
	locks        *gpu.Manager
	pingInterval time.Duration
	log          *zap.SugaredLogger
}

func NewHandler(scheduler *services.Scheduler, locks *gpu.Manager, pingInterval time.Duration, log *zap.SugaredLogger) *Handler {
	return &Handler{
		scheduler:    scheduler,
		locks:        locks,
		pingInterval: pingInterval,
		log:          log,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Errorw("accepting websocket", "error", err)
		return
	}
	defer conn.CloseNow()

	sess := &session{
		id:      uuid.New().String(),
		conn:    conn,
		handler: h,
		alive:   true,
	}
	sess.log = h.log.With("session", sess.id)
	sess.run(r.Context())
}

type session struct {
	id      string
	conn    *websocket.Conn
	handler *Handler
	log     *zap.SugaredLogger

	mu       sync.Mutex
	reserved []string
	alive    bool

	cleanupOnce sync.Once
}

func (s *session) run(ctx context.Context) {
	s.log.Infow("reservation session opened")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.cleanup()

	go s.keepAlive(ctx, cancel)

	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 10)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.log.Infow("client closed session")
			} else if ctx.Err() == nil {
				s.log.Warnw("session read failed", "error", err)
			}
			return
		}

		var msg models.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, "invalid JSON message")
			continue
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *session) handleMessage(ctx context.Context, msg models.WSMessage) {
	switch msg.Command {
	case "reserve":
		if msg.ModelName == "" {
			s.sendError(ctx, "modelName is required for reserve")
			return
		}
		if msg.OutputType != "" {
			if _, ok := models.ParseOutputType(msg.OutputType); !ok {
				s.sendError(ctx, "unknown outputType: "+msg.OutputType)
				return
			}
		}
		s.handleReserve(ctx, msg.ModelName)

	case "release":
		if len(msg.GpuIds) == 0 {
			s.sendError(ctx, "gpuIds are required for release")
			return
		}
		s.handleRelease(ctx, msg.GpuIds)

	case "pong":
		s.mu.Lock()
		s.alive = true
		s.mu.Unlock()
		if len(msg.GpuIds) > 0 {
			if err := s.handler.locks.RefreshActivity(ctx, msg.GpuIds); err != nil {
				s.log.Warnw("refreshing activity", "gpus", msg.GpuIds, "error", err)
			}
		}

	default:
		s.sendError(ctx, "unknown command: "+msg.Command)
	}
}

// handleReserve is a single acquire attempt: the duplex channel reports
// "unavailable" instead of blocking the message loop.
func (s *session) handleReserve(ctx context.Context, modelName string) {
	res, err := s.handler.scheduler.AcquireOnce(ctx, modelName)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAssignmentNotFound):
			s.sendError(ctx, "no assignment found for model "+modelName)
		case errors.Is(err, services.ErrAllBusy):
			s.sendError(ctx, "no suitable GPU available for model "+modelName)
		default:
			s.log.Errorw("reserving gpus", "model", modelName, "error", err)
			s.sendError(ctx, "error reserving GPU(s)")
		}
		return
	}

	s.mu.Lock()
	s.reserved = append(s.reserved, res.GpuIDs...)
	s.mu.Unlock()
	s.log.Infow("session reserved gpus", "model", modelName, "gpus", res.GpuIDs)

	s.send(ctx, models.WSResponse{
		Status: "success",
		Host:   res.Assignment.Host,
		Port:   res.Assignment.Port,
		GpuIds: res.GpuIDs,
	})
}

func (s *session) handleRelease(ctx context.Context, gpuIDs []string) {
	if err := s.handler.locks.Release(ctx, gpuIDs); err != nil {
		s.log.Errorw("releasing gpus", "gpus", gpuIDs, "error", err)
		s.sendError(ctx, "error releasing GPU(s)")
		return
	}

	s.mu.Lock()
	s.reserved = subtract(s.reserved, gpuIDs)
	s.mu.Unlock()
	s.log.Infow("session released gpus", "gpus", gpuIDs)

	s.send(ctx, models.WSResponse{Status: "success"})
}

// keepAlive pings every interval; a client that misses a whole interval
// (no pong between two pings) is torn down so its reservations free up.
func (s *session) keepAlive(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.handler.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		alive := s.alive
		s.alive = false
		s.mu.Unlock()

		if !alive {
			s.log.Warnw("client unresponsive, terminating session")
			cancel()
			return
		}

		if err := s.conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
			cancel()
			return
		}
	}
}

// cleanup releases everything the session still holds, exactly once, on
// any termination path.
func (s *session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		outstanding := s.reserved
		s.reserved = nil
		s.mu.Unlock()

		if len(outstanding) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.handler.locks.Release(ctx, outstanding); err != nil {
			s.log.Errorw("releasing session gpus", "gpus", outstanding, "error", err)
			return
		}
		s.log.Infow("released outstanding session gpus", "gpus", outstanding)
	})
}

func (s *session) send(ctx context.Context, resp models.WSResponse) {
	if err := wsjson.Write(ctx, s.conn, resp); err != nil && ctx.Err() == nil {
		s.log.Warnw("writing session response", "error", err)
	}
}

func (s *session) sendError(ctx context.Context, message string) {
	s.send(ctx, models.WSResponse{Status: "error", Message: message})
}

func subtract(ids, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, id := range remove {
		removed[id] = true
	}
	kept := ids[:0]
	for _, id := range ids {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	return kept
}
