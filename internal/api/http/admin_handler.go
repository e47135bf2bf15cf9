// internal/api/http/admin_handler.go
package http

import (
	"net/http"

	"inference-horde/internal/usecase"
)

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK", "version": a.version})
}

func (a *API) performance(w http.ResponseWriter, r *http.Request) {
	reports, err := a.svc.Stats.Performance(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPerformanceResponse(reports))
}

func (a *API) getModes(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Settings.Current(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newModesResponse(st))
}

func (a *API) putModes(w http.ResponseWriter, r *http.Request) {
	var req ModesRequest
	if !a.decode(w, r, &req) {
		return
	}
	st, err := a.svc.Settings.UpdateModes(r.Context(), apiKey(r), usecase.ModesUpdate{
		Maintenance: req.Maintenance,
		InviteOnly:  req.InviteOnly,
		Raid:        req.Raid,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newModesResponse(st))
}

func (a *API) transferKudos(w http.ResponseWriter, r *http.Request) {
	var req KudosRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.Kudos.Transfer(r.Context(), apiKey(r), req.Username, req.Amount); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"transferred": req.Amount})
}

func (a *API) awardKudos(w http.ResponseWriter, r *http.Request) {
	var req KudosRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.Kudos.Award(r.Context(), apiKey(r), req.Username, req.Amount); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"awarded": req.Amount})
}

func (a *API) findUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.svc.Users.FindUser(r.Context(), apiKey(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newUserView(user, a.clock.Now()))
}

func (a *API) createSharedKey(w http.ResponseWriter, r *http.Request) {
	var req SharedKeyRequest
	if !a.decode(w, r, &req) {
		return
	}
	key, err := a.svc.SharedKeys.Create(r.Context(), apiKey(r), req.ToInput())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSharedKeyView(key))
}

func (a *API) getSharedKey(w http.ResponseWriter, r *http.Request) {
	key, err := a.svc.SharedKeys.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSharedKeyView(key))
}

func (a *API) updateSharedKey(w http.ResponseWriter, r *http.Request) {
	var req SharedKeyRequest
	if !a.decode(w, r, &req) {
		return
	}
	key, err := a.svc.SharedKeys.Update(r.Context(), apiKey(r), r.PathValue("id"), req.ToInput())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSharedKeyView(key))
}

func (a *API) deleteSharedKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.svc.SharedKeys.Delete(r.Context(), apiKey(r), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted_id": id})
}
