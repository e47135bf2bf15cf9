// internal/api/http/generate_handler.go
package http

import (
	"net/http"

	"inference-horde/internal/domain"
	"inference-horde/internal/usecase"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func (a *API) submitImage(w http.ResponseWriter, r *http.Request) {
	var req ImageRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.submit(w, r, req.ToSubmit())
}

func (a *API) submitText(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.submit(w, r, req.ToSubmit())
}

func (a *API) submitInterrogation(w http.ResponseWriter, r *http.Request) {
	var req InterrogationRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.submit(w, r, req.ToSubmit())
}

func (a *API) submit(w http.ResponseWriter, r *http.Request, req usecase.SubmitRequest) {
	req.APIKey = apiKey(r)
	req.ClientAgent = clientAgent(r)
	req.IPAddr = clientIP(r)

	res, err := a.svc.Intake.Submit(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("wp.id", res.ID.String()))
	status := http.StatusAccepted
	if req.DryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, newSubmitResponse(res))
}

// checkStatus is the lightweight poll without generations.
func (a *API) checkStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Status.Check(r.Context(), r.PathValue("id"), false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st, false))
}

func (a *API) fullStatus(variant domain.WorkerVariant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		st, err := a.svc.Status.Check(r.Context(), id, true)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if st.Variant != variant {
			a.writeError(w, r, domain.ErrRequestNotFound(id))
			return
		}
		writeJSON(w, http.StatusOK, newStatusResponse(st, true))
	}
}

func (a *API) cancel(variant domain.WorkerVariant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		// 先确认类型匹配，避免跨类型取消
		st, err := a.svc.Status.Check(r.Context(), id, false)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if st.Variant != variant {
			a.writeError(w, r, domain.ErrRequestNotFound(id))
			return
		}
		st, err = a.svc.Status.Cancel(r.Context(), id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newStatusResponse(st, true))
	}
}
