package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/pairbot/internal/domain"
	"github.com/alanyoungcy/pairbot/internal/pairtrade"
)

// PairEngine is the part of the orchestrator the HTTP API drives.
type PairEngine interface {
	Arm(req domain.PairRequest) (*pairtrade.PairOrder, error)
	Abandon(id string) error
	ListRunning() []*pairtrade.PairOrder
	ListFinished() []*pairtrade.PairOrder
	Get(id string) (*pairtrade.PairOrder, error)
}

// InstrumentResolver maps an instrument id to its configured contract.
type InstrumentResolver func(id string) (domain.Instrument, bool)

// PairHandler serves /api/pairs.
type PairHandler struct {
	engine        PairEngine
	instruments   InstrumentResolver
	store         domain.PairOrderStore
	submitTimeout time.Duration
	logger        *slog.Logger
}

// NewPairHandler creates a PairHandler. store may be nil, in which case the
// history endpoint answers 503.
func NewPairHandler(engine PairEngine, instruments InstrumentResolver, store domain.PairOrderStore, submitTimeout time.Duration, logger *slog.Logger) *PairHandler {
	return &PairHandler{
		engine:        engine,
		instruments:   instruments,
		store:         store,
		submitTimeout: submitTimeout,
		logger:        logHandler(logger, "pairs"),
	}
}

type legView struct {
	Key            string `json:"key"`
	Instrument     string `json:"instrument"`
	Side           string `json:"side"`
	LimitPrice     string `json:"limit_price"`
	Quantity       int64  `json:"quantity"`
	FilledQuantity int64  `json:"filled_quantity"`
	Status         string `json:"status"`
	Origin         string `json:"origin"`
	Reason         string `json:"reason,omitempty"`
}

type pairView struct {
	ID               string     `json:"id"`
	Leg1             string     `json:"leg1"`
	Leg2             string     `json:"leg2"`
	TargetSpread     string     `json:"target_spread"`
	Direction        string     `json:"direction"`
	Quantity         int64      `json:"quantity"`
	Tolerance        string     `json:"tolerance"`
	State            string     `json:"state"`
	FinishReason     string     `json:"finish_reason,omitempty"`
	NetExposure      int64      `json:"net_exposure"`
	PnL              string     `json:"pnl"`
	UnwindIterations int        `json:"unwind_iterations"`
	CreatedAt        time.Time  `json:"created_at"`
	InitTime         *time.Time `json:"init_time,omitempty"`
	ExpireTime       *time.Time `json:"expire_time,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Legs             []legView  `json:"legs"`
}

func toPairView(s domain.PairOrderSnapshot) pairView {
	v := pairView{
		ID:               s.ID,
		Leg1:             s.Request.Leg1.ID,
		Leg2:             s.Request.Leg2.ID,
		TargetSpread:     s.Request.TargetSpread.String(),
		Direction:        string(s.Request.Direction),
		Quantity:         s.Request.Quantity,
		Tolerance:        s.Request.Tolerance.String(),
		State:            string(s.State),
		FinishReason:     string(s.FinishReason),
		NetExposure:      s.NetExposure,
		PnL:              s.PnL.String(),
		UnwindIterations: s.UnwindIterations,
		CreatedAt:        s.CreatedAt,
		InitTime:         s.InitTime,
		ExpireTime:       s.ExpireTime,
		FinishedAt:       s.FinishedAt,
		Legs:             make([]legView, 0, len(s.Legs)),
	}
	for _, l := range s.Legs {
		v.Legs = append(v.Legs, legView{
			Key:            l.Key,
			Instrument:     l.Instrument.ID,
			Side:           string(l.Side),
			LimitPrice:     l.LimitPrice.String(),
			Quantity:       l.Quantity,
			FilledQuantity: l.FilledQuantity,
			Status:         string(l.Status),
			Origin:         string(l.Origin),
			Reason:         l.Reason,
		})
	}
	return v
}

func viewAll(orders []*pairtrade.PairOrder) []pairView {
	out := make([]pairView, 0, len(orders))
	for _, po := range orders {
		out = append(out, toPairView(po.Snapshot()))
	}
	return out
}

// ListRunning returns every pair order still in the running set.
// GET /api/pairs/running
func (h *PairHandler) ListRunning(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewAll(h.engine.ListRunning()))
}

// ListFinished returns the pair orders finished since start.
// GET /api/pairs/finished
func (h *PairHandler) ListFinished(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewAll(h.engine.ListFinished()))
}

// GetPair returns one pair order, falling back to the store for pairs
// finished before this process started.
// GET /api/pairs/{id}
func (h *PairHandler) GetPair(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	po, err := h.engine.Get(id)
	if err == nil {
		writeJSON(w, http.StatusOK, toPairView(po.Snapshot()))
		return
	}
	if !errors.Is(err, domain.ErrNotFound) || h.store == nil {
		writeError(w, http.StatusNotFound, "pair order not found")
		return
	}
	snap, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "pair order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "load pair failed", slog.String("id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load pair order")
		return
	}
	writeJSON(w, http.StatusOK, toPairView(snap))
}

// History lists persisted pair orders, newest first.
// GET /api/pairs/history?limit=&offset=&since=
func (h *PairHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "pair history requires postgres")
		return
	}
	snaps, err := h.store.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list pair orders")
		return
	}
	out := make([]pairView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toPairView(s))
	}
	writeJSON(w, http.StatusOK, out)
}

type submitRequest struct {
	Leg1         string `json:"leg1"`
	Leg2         string `json:"leg2"`
	TargetSpread string `json:"target_spread"`
	Direction    string `json:"direction"`
	Quantity     int64  `json:"quantity"`
	Tolerance    string `json:"tolerance"`
}

func (h *PairHandler) toDomain(in submitRequest) (domain.PairRequest, error) {
	leg1, ok := h.instruments(in.Leg1)
	if !ok {
		return domain.PairRequest{}, errors.New("unknown instrument " + in.Leg1)
	}
	leg2, ok := h.instruments(in.Leg2)
	if !ok {
		return domain.PairRequest{}, errors.New("unknown instrument " + in.Leg2)
	}
	spread, err := decimal.NewFromString(in.TargetSpread)
	if err != nil {
		return domain.PairRequest{}, errors.New("target_spread must be a decimal")
	}
	tol, err := time.ParseDuration(in.Tolerance)
	if err != nil {
		return domain.PairRequest{}, errors.New("tolerance must be a duration such as 30s")
	}
	req := domain.PairRequest{
		Leg1:         leg1,
		Leg2:         leg2,
		TargetSpread: spread,
		Direction:    domain.OrderSide(strings.ToUpper(in.Direction)),
		Quantity:     in.Quantity,
		Tolerance:    tol,
	}
	return req, req.Validate()
}

// Submit arms a pair trade and waits up to the submit timeout for its
// trigger. It answers 201 once both legs are submitted, or 202 with the
// still-armed pair order when the spread has not been reached yet.
// POST /api/pairs
func (h *PairHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var in submitRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := h.toDomain(in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	po, err := h.engine.Arm(req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	timer := time.NewTimer(h.submitTimeout)
	defer timer.Stop()
	select {
	case <-po.Initialized():
		writeJSON(w, http.StatusCreated, toPairView(po.Snapshot()))
	case <-po.Done():
		writeJSON(w, http.StatusOK, toPairView(po.Snapshot()))
	case <-timer.C:
		writeJSON(w, http.StatusAccepted, toPairView(po.Snapshot()))
	case <-r.Context().Done():
		// client went away; the pair stays armed and is visible in /running
	}
}

// Abandon disarms a pair order whose trigger has not fired.
// DELETE /api/pairs/{id}
func (h *PairHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	err := h.engine.Abandon(r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no armed pair order with that id")
	case errors.Is(err, domain.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "pair order already fired")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
