package flags

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vesselhealth/vessel-control/pkg/domain"
)

// AdminHandler exposes flag CRUD under /admin/flags. Access control is the
// deployer's job: the route group should sit behind the edge's operator
// auth, never on a public listener.
func (e *Engine) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/flags", e.handleList)
	mux.HandleFunc("POST /admin/flags", e.handleCreate)
	mux.HandleFunc("GET /admin/flags/{name}", e.handleGet)
	mux.HandleFunc("PUT /admin/flags/{name}", e.handleUpdate)
	mux.HandleFunc("DELETE /admin/flags/{name}", e.handleDelete)
	return mux
}

func (e *Engine) handleList(w http.ResponseWriter, r *http.Request) {
	all, err := e.List(r.Context())
	if err != nil {
		e.writeAdminError(w, r, http.StatusServiceUnavailable, "flag store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flags": all, "count": len(all)})
}

func (e *Engine) handleGet(w http.ResponseWriter, r *http.Request) {
	flag, ok := e.Get(r.Context(), r.PathValue("name"))
	if !ok {
		e.writeAdminError(w, r, http.StatusNotFound, "flag not found")
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (e *Engine) handleCreate(w http.ResponseWriter, r *http.Request) {
	var f Flag
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		e.writeAdminError(w, r, http.StatusBadRequest, "invalid flag body")
		return
	}
	created, err := e.Create(r.Context(), f)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already exists") {
			status = http.StatusConflict
		}
		e.writeAdminError(w, r, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (e *Engine) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var f Flag
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		e.writeAdminError(w, r, http.StatusBadRequest, "invalid flag body")
		return
	}
	updated, err := e.Update(r.Context(), r.PathValue("name"), f)
	if err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		e.writeAdminError(w, r, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (e *Engine) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := e.Delete(r.Context(), r.PathValue("name")); err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		e.writeAdminError(w, r, status, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) writeAdminError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	code := domain.CodeInternal
	switch status {
	case http.StatusNotFound:
		code = domain.CodeFeatureDisabled
	case http.StatusBadRequest, http.StatusConflict:
		code = "INVALID_FLAG"
	}
	domain.WriteError(w, status, domain.ErrorResponse{
		Code:      code,
		Message:   msg,
		RequestID: domain.RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
