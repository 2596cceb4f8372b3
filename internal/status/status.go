package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pechorka/junction-agent/internal/tokens"
)

// TokenInfo exposes the read-only credential view.
type TokenInfo interface {
	Snapshot() tokens.Snapshot
}

// ReportInfo exposes the reporting loop's progress.
type ReportInfo interface {
	LastReportAt() time.Time
}

// Server is a small local HTTP surface for operators: is the device
// registered, when do tokens expire, when did it last report. Token values
// are never exposed.
type Server struct {
	tokens  TokenInfo
	reports ReportInfo
	log     *logrus.Entry
}

func NewServer(tokens TokenInfo, reports ReportInfo, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		tokens:  tokens,
		reports: reports,
		log:     log.WithField("component", "status"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Get("/status", s.status)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	tokens.Snapshot
	LastReportAt time.Time `json:"last_report_at,omitzero"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Snapshot:     s.tokens.Snapshot(),
		LastReportAt: s.reports.LastReportAt(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WithError(err).Warn("failed to write status response")
	}
}
