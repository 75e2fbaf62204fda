package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"homedir/internal/simulate"
	logx "homedir/pkg/logx"
)

type simulateRequest struct {
	// Pivot defaults to now.
	Pivot         *time.Time `json:"pivot"`
	IncludeEvents bool       `json:"include_events"`
	IncludeTalks  bool       `json:"include_talks"`
	IncludeBreaks bool       `json:"include_breaks"`
	ActivityType  string     `json:"activity_type" validate:"max=64"`
	UserID        string     `json:"user_id" validate:"max=128"`
	RealBroadcast bool       `json:"real_broadcast"`

	Execute bool `json:"execute"`
	Paced   bool `json:"paced"`
}

func (q simulateRequest) request() simulate.Request {
	req := simulate.Request{
		IncludeEvents: q.IncludeEvents,
		IncludeTalks:  q.IncludeTalks,
		IncludeBreaks: q.IncludeBreaks,
		ActivityType:  q.ActivityType,
		UserID:        q.UserID,
		RealBroadcast: q.RealBroadcast,
	}
	if q.Pivot != nil {
		req.Pivot = *q.Pivot
	}
	return req
}

type simulateResponse struct {
	Plan      simulate.Plan     `json:"plan"`
	Results   []simulate.Result `json:"results,omitempty"`
	Scheduled int               `json:"scheduled,omitempty"`
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	if h.d.Sim == nil {
		unavailable(w, "simulation unavailable")
		return
	}
	var q simulateRequest
	if err := h.decode(w, r, &q); err != nil {
		badRequest(w, err.Error())
		return
	}
	req := q.request()
	if q.Execute && h.denyAdmin(w, r) {
		return
	}

	switch {
	case q.Execute && q.Paced:
		run, err := h.d.Sim.ExecutePaced(h.base, req)
		if err != nil {
			h.simError(w, err)
			return
		}
		h.track(run)
		writeJSON(w, http.StatusAccepted, simulateResponse{Plan: run.Plan, Scheduled: len(run.Plan.Items)})
	case q.Execute:
		plan, results, err := h.d.Sim.Execute(r.Context(), req)
		if err != nil {
			h.simError(w, err)
			return
		}
		ok(w, simulateResponse{Plan: plan, Results: results})
	default:
		plan, err := h.d.Sim.DryRun(r.Context(), req)
		if err != nil {
			h.simError(w, err)
			return
		}
		ok(w, simulateResponse{Plan: plan})
	}
}

func (h *Handler) simError(w http.ResponseWriter, err error) {
	if errors.Is(err, simulate.ErrNoProvider) {
		unavailable(w, err.Error())
		return
	}
	h.log.Warn("simulation failed", logx.Err(err))
	internalError(w, err.Error())
}

// track keeps run cancellable until every item fired.
func (h *Handler) track(run *simulate.Run) {
	h.runsMu.Lock()
	h.runs[run] = struct{}{}
	h.runsMu.Unlock()
	go func() {
		_ = run.Wait(context.Background())
		h.runsMu.Lock()
		delete(h.runs, run)
		h.runsMu.Unlock()
	}()
}

func (h *Handler) cancelSimulations(w http.ResponseWriter, r *http.Request) {
	h.runsMu.Lock()
	n := len(h.runs)
	for run := range h.runs {
		run.Cancel()
	}
	h.runsMu.Unlock()
	ok(w, map[string]int{"canceled": n})
}
