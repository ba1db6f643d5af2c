package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/greeks"
	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// Server exposes the most recent reconciliation result read-only over
// HTTP. Consumers see the reconciled in-memory set with its provenance
// tags, never the cache file.
type Server struct {
	logger *logrus.Logger
	port   string

	mu        sync.RWMutex
	positions []models.Position
	summary   models.PositionSummary
	result    *greeks.Result
}

func NewServer(logger *logrus.Logger, port string) *Server {
	return &Server{
		logger: logger,
		port:   port,
	}
}

// Publish replaces the served snapshot after a reconciliation pass.
func (s *Server) Publish(positions []models.Position, summary models.PositionSummary, result *greeks.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
	s.summary = summary
	s.result = result
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/greeks", s.handleGreeks)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/summary", s.handleSummary)

	handler := corsMiddleware(mux)

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

type greeksEntry struct {
	Symbol     string             `json:"symbol"`
	Expiry     string             `json:"expiry"`
	Strike     float64            `json:"strike"`
	Right      models.OptionRight `json:"right"`
	Status     greeks.Status      `json:"status"`
	Delta      *float64           `json:"delta,omitempty"`
	Gamma      *float64           `json:"gamma,omitempty"`
	Theta      *float64           `json:"theta,omitempty"`
	Vega       *float64           `json:"vega,omitempty"`
	CapturedAt *time.Time         `json:"captured_at,omitempty"`
}

type greeksResponse struct {
	CompletedAt time.Time     `json:"completed_at"`
	Live        int           `json:"live"`
	Cache       int           `json:"cache"`
	Missing     int           `json:"missing"`
	Degraded    bool          `json:"degraded"`
	Entries     []greeksEntry `json:"entries"`
}

func (s *Server) handleGreeks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	result := s.result
	s.mu.RUnlock()

	if result == nil {
		http.Error(w, "No reconciliation pass completed yet", http.StatusServiceUnavailable)
		return
	}

	resp := greeksResponse{
		CompletedAt: result.CompletedAt,
		Live:        result.Live,
		Cache:       result.Cached,
		Missing:     result.Missing,
		Degraded:    result.Degraded,
		Entries:     make([]greeksEntry, 0, len(result.Entries)),
	}
	for _, entry := range result.Entries {
		out := greeksEntry{
			Symbol: entry.Identity.Symbol,
			Expiry: entry.Identity.Expiry,
			Strike: entry.Identity.Strike,
			Right:  entry.Identity.Right,
			Status: entry.Status,
		}
		if snap := entry.Snapshot; snap != nil {
			out.Delta = &snap.Delta
			out.Gamma = &snap.Gamma
			out.Theta = &snap.Theta
			out.Vega = &snap.Vega
			out.CapturedAt = &snap.CapturedAt
		}
		resp.Entries = append(resp.Entries, out)
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	positions := s.positions
	s.mu.RUnlock()

	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	summary := s.summary
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
