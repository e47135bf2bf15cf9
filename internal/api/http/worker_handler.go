// internal/api/http/worker_handler.go
package http

import (
	"net/http"

	"inference-horde/internal/domain"
	"inference-horde/internal/usecase"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (a *API) pop(variant domain.WorkerVariant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PopRequest
		if !a.decode(w, r, &req) {
			return
		}
		res, err := a.svc.Matcher.Pop(r.Context(), req.ToPop(variant, apiKey(r), clientIP(r)))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if res.Job != nil {
			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("pg.id", res.Job.ID.String()),
				attribute.String("wp.id", res.Job.WPID.String()),
			)
		}
		writeJSON(w, http.StatusOK, newPopResponse(res))
	}
}

func (a *API) submitResult(w http.ResponseWriter, r *http.Request) {
	var req SubmitResultRequest
	if !a.decode(w, r, &req) {
		return
	}
	reward, err := a.svc.Accounting.SubmitResult(r.Context(), usecase.SubmitResultRequest{
		APIKey:     apiKey(r),
		ID:         req.ID,
		Generation: req.Generation,
		Seed:       req.Seed,
		State:      domain.GenState(req.State),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RewardResponse{Reward: reward})
}

func (a *API) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.svc.Workers.List(r.Context(), domain.WorkerVariant(r.URL.Query().Get("type")))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	now := a.clock.Now()
	views := make([]WorkerView, 0, len(workers))
	for _, wk := range workers {
		views = append(views, newWorkerView(wk, now))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := a.svc.Workers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerView(wk, a.clock.Now()))
}

func (a *API) updateWorker(w http.ResponseWriter, r *http.Request) {
	var req WorkerUpdateRequest
	if !a.decode(w, r, &req) {
		return
	}
	wk, err := a.svc.Workers.Update(r.Context(), apiKey(r), r.PathValue("id"), req.ToUpdate())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerView(wk, a.clock.Now()))
}

func (a *API) deleteWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.Workers.Delete(r.Context(), apiKey(r), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted_id": id})
}
