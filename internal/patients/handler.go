package patients

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/meditriage/triage-platform/pkg/logging"
)

// Handler serves read-only patient and report endpoints.
type Handler struct {
	store  *Store
	logger *logging.Logger
}

func NewHandler(store *Store, logger *logging.Logger) *Handler {
	if store == nil {
		panic("patients: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

// Routes mounts the patient endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/patients", h.listPatients)
	r.Get("/patients/{patientID}", h.getPatient)
	r.Get("/patients/{patientID}/reports", h.listReports)
	r.Get("/reports/{reportID}", h.getReport)
}

func (h *Handler) listPatients(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListPatients(r.Context())
	if err != nil {
		h.logger.Error("listing patients failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list patients")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"patients": out})
}

func (h *Handler) getPatient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patientID")
	p, err := h.store.GetPatient(r.Context(), id)
	if err != nil {
		h.logger.Error("fetching patient failed", "patient_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch patient")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "patientID")
	reports, err := h.store.ListReports(r.Context(), id)
	if err != nil {
		h.logger.Error("listing reports failed", "patient_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "reportID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	rec, err := h.store.GetReport(r.Context(), id)
	if err != nil {
		h.logger.Error("fetching report failed", "report_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch report")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
