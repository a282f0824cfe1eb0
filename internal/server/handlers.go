package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Rajchodisetti/options-dashboard/internal/feed"
	"github.com/Rajchodisetti/options-dashboard/internal/journal"
	"github.com/Rajchodisetti/options-dashboard/internal/market"
	"github.com/Rajchodisetti/options-dashboard/internal/portfolio"
)

type loginRequest struct {
	ClientCode string `json:"client_code"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type openPositionRequest struct {
	Instrument string  `json:"instrument"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"`
	Quantity   int     `json:"quantity"`
	AvgPrice   float64 `json:"avg_price"`
}

type portfolioResponse struct {
	Positions []portfolio.PositionView `json:"positions"`
	Summary   portfolio.Summary        `json:"summary"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Snapshot())
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Signals())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, portfolioResponse{
		Positions: s.dash.Positions(),
		Summary:   s.dash.Portfolio(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Positions())
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.Risk())
}

func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "instrument")
	chain, ok := s.dash.Chain(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no option chain for "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, chain)
}

// handleJournal lists journal entries, optionally after ?since=<RFC3339>.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	entries, err := s.dash.Journal(since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dash.SessionStatus())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.dash.Login(r.Context(), req.ClientCode, req.Password, req.TOTP); err != nil {
		s.log.Warn().Str("kind", feed.KindOf(err).Label()).Err(err).Msg("Login failed")
		s.writeError(w, loginStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.dash.SessionStatus())
}

func loginStatus(err error) int {
	switch {
	case errors.Is(err, feed.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, feed.ErrUpstreamUnavailable), errors.Is(err, feed.ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.dash.Logout(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ot, err := market.ParseOptionType(req.OptionType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c := market.Contract{Instrument: req.Instrument, Strike: req.Strike, OptionType: ot}
	p, err := s.dash.OpenPosition(c, req.Quantity, req.AvgPrice)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, portfolio.ErrInvalidPosition) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exit := 0.0
	if raw := r.URL.Query().Get("exit_price"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid exit_price")
			return
		}
		exit = v
	}
	v, err := s.dash.ClosePosition(id, exit)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, portfolio.ErrPositionNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
