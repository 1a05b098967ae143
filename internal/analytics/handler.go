package analytics

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/portfolio-engine/internal/logger"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP handlers for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Mount registers the portfolio routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/portfolios/{portfolioID}", func(r chi.Router) {
		r.Get("/positions", h.GetPositions)
		r.Get("/positions/{instrumentID}/history", h.GetHistory)
		r.Get("/snapshot", h.GetSnapshot)
		r.Get("/stats", h.GetStats)
		r.Get("/returns", h.GetReturns)
		r.Get("/returns/chart.png", h.GetReturnsChart)
		r.Post("/trades", h.PostTrade)
	})
}

// RequestContext copies chi's request id into the logging context.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func portfolioRequest(r *http.Request) (*http.Request, string) {
	id := chi.URLParam(r, "portfolioID")
	return r.WithContext(logger.WithPortfolio(r.Context(), id)), id
}

// GetPositions handles GET /api/v1/portfolios/{portfolioID}/positions
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	positions, err := h.svc.Positions(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load positions", err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetHistory handles GET /api/v1/portfolios/{portfolioID}/positions/{instrumentID}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	rows, err := h.svc.History(r.Context(), id, chi.URLParam(r, "instrumentID"))
	if err != nil {
		h.fail(w, r, "failed to reconstruct history", err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// GetSnapshot handles GET /api/v1/portfolios/{portfolioID}/snapshot
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	snap, err := h.svc.Snapshot(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to build snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetStats handles GET /api/v1/portfolios/{portfolioID}/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	stats, err := h.svc.Stats(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetReturns handles GET /api/v1/portfolios/{portfolioID}/returns?from=&to=
// Dates are YYYY-MM-DD; either may be omitted.
func (h *Handler) GetReturns(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	ret, err := h.svc.Returns(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, r, "failed to compute returns", err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

// GetReturnsChart handles GET /api/v1/portfolios/{portfolioID}/returns/chart.png
func (h *Handler) GetReturnsChart(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	from, to, ok := dateRange(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	err := h.svc.Chart(r.Context(), &buf, id, from, to)
	if errors.Is(err, valuation.ErrNotEnoughPoints) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.fail(w, r, "failed to render chart", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

// PostTrade handles POST /api/v1/portfolios/{portfolioID}/trades
func (h *Handler) PostTrade(w http.ResponseWriter, r *http.Request) {
	r, id := portfolioRequest(r)
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.svc.RecordTrade(r.Context(), id, req)
	switch {
	case errors.Is(err, ErrInvalidTrade):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrDuplicateTrade):
		writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		h.fail(w, r, "failed to record trade", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	slog.Error(msg, append(logger.Attrs(r.Context()), "err", err)...)
	writeError(w, msg, http.StatusInternalServerError)
}

func dateRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	q := r.URL.Query()
	var err error
	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(time.DateOnly, s); err != nil {
			writeError(w, "from must be YYYY-MM-DD", http.StatusBadRequest)
			return from, to, false
		}
	}
	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(time.DateOnly, s); err != nil {
			writeError(w, "to must be YYYY-MM-DD", http.StatusBadRequest)
			return from, to, false
		}
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(w, "to must not be before from", http.StatusBadRequest)
		return from, to, false
	}
	return from, to, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
