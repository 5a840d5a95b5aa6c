package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aimaestro/gpuproxy/config"
	"github.com/aimaestro/gpuproxy/gpu"
	"github.com/aimaestro/gpuproxy/models"
	"github.com/aimaestro/gpuproxy/proxy"
	"github.com/aimaestro/gpuproxy/services"
	"github.com/aimaestro/gpuproxy/ws"
)

// routeSpec describes one inference endpoint so a single handler serves
// them all: which backend category it belongs to, whether it takes a GPU
// reservation, and any body rules the downstream API family needs.
type routeSpec struct {
	path   string
	output models.OutputType
	// ollama endpoints pin keep_alive=-1 (the proxy owns model lifetime,
	// not the backend) and default stream to true.
	ollama bool
}

var gpuBoundRoutes = []routeSpec{
	{path: "/api/generate", output: models.OutputText, ollama: true},
	{path: "/api/chat", output: models.OutputText, ollama: true},
	{path: "/api/embeddings", output: models.OutputText, ollama: true},
	{path: "/txt2img", output: models.OutputImages},
	{path: "/img2img", output: models.OutputImages},
	{path: "/tts", output: models.OutputSpeech},
	{path: "/transcribe", output: models.OutputSpeech},
}

var passthroughRoutes = []routeSpec{
	{path: "/api/tags", output: models.OutputText},
}

// AssignmentDirectory is the slice of the assignment store the HTTP layer
// needs beyond scheduling: category listings, cache busting, health.
type AssignmentDirectory interface {
	Containers(ctx context.Context, output models.OutputType) ([]models.ContainerInfo, error)
	ClearCache(ctx context.Context) (int, error)
	Healthy(ctx context.Context) bool
}

type Server struct {
	cfg         *config.Config
	scheduler   *services.Scheduler
	assignments AssignmentDirectory
	locks       *gpu.Manager
	router      *proxy.Router
	reservation *ws.Handler
	log         *zap.SugaredLogger
}

func New(cfg *config.Config, scheduler *services.Scheduler, assignments AssignmentDirectory,
	locks *gpu.Manager, router *proxy.Router, reservation *ws.Handler, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:         cfg,
		scheduler:   scheduler,
		assignments: assignments,
		locks:       locks,
		router:      router,
		reservation: reservation,
		log:         log,
	}
}

// Routes builds the full routing table.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	for _, spec := range gpuBoundRoutes {
		r.HandleFunc(spec.path, s.handleInference(spec)).Methods(http.MethodPost)
	}
	for _, spec := range passthroughRoutes {
		r.HandleFunc(spec.path, s.handlePassthrough(spec)).Methods(http.MethodGet)
	}

	r.HandleFunc("/gpu/reserve/{modelName}", s.handleReserve).Methods(http.MethodPost)
	r.HandleFunc("/gpu/release/{gpuIds}", s.handleRelease).Methods(http.MethodPost)
	r.HandleFunc("/gpu/ping/{gpuIds}", s.handlePing).Methods(http.MethodPost)
	r.HandleFunc("/cache", s.handleClearCache).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", s.reservation)

	return r
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			r.Header.Set("X-Request-ID", uuid.New().String())
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", r.Header.Get("X-Request-ID"),
			"duration", time.Since(start),
		)
	})
}
