package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/route-beacon/rib-rebuilder/internal/rt"
	"go.uber.org/zap"
)

// ConsumerStatus is an interface for checking Kafka consumer join state.
type ConsumerStatus interface {
	IsJoined() bool
}

// StatusProvider serves collector state snapshots.
type StatusProvider interface {
	CollectorStatuses() []rt.CollectorStatus
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv      *http.Server
	db       DBChecker // nil when the archive is disabled
	consumer ConsumerStatus
	statuses StatusProvider
	logger   *zap.Logger
}

func NewServer(addr string, db DBChecker, consumer ConsumerStatus, statuses StatusProvider, logger *zap.Logger) *Server {
	s := &Server{
		db:       db,
		consumer: consumer,
		statuses: statuses,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/collectors", s.handleCollectors)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz reports ready once the consumer has joined its group
// and, if configured, the database answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Consumer bool `json:"consumer_joined"`
		DB       bool `json:"db_ok"`
		Ready    bool `json:"ready"`
	}
	st := readiness{DB: true}

	if s.consumer != nil {
		st.Consumer = s.consumer.IsJoined()
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st.DB = s.db.Ping(ctx) == nil
	}
	st.Ready = st.Consumer && st.DB

	w.Header().Set("Content-Type", "application/json")
	if !st.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}

func (s *Server) handleCollectors(w http.ResponseWriter, _ *http.Request) {
	var statuses []rt.CollectorStatus
	if s.statuses != nil {
		statuses = s.statuses.CollectorStatuses()
	}
	if statuses == nil {
		statuses = []rt.CollectorStatus{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}
