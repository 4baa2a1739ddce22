package intake

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const maxUploadBytes = 32 << 20 // 32 MiB

// Handler exposes the sync ledger over HTTP for the dashboard UI.
type Handler struct {
	log *slog.Logger
	svc *Service
}

// NewHandler constructs an intake HTTP handler.
func NewHandler(log *slog.Logger, svc *Service) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc}
}

// Register mounts the intake routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/staging-data", h.handleStagingData)
	mux.HandleFunc("POST /api/sync/stage", h.handleStage)
	mux.HandleFunc("POST /api/sync/import", h.handleImport)
	mux.HandleFunc("GET /api/sync/diff/{id}", h.handleDiff)
	mux.HandleFunc("POST /api/sync/approve/{id}", h.handleApprove)
	mux.HandleFunc("POST /api/sync/rollback", h.handleRollback)
	mux.HandleFunc("GET /api/sync/export", h.handleExport)
}

// uploadView is the wire shape of a ledger entry. file_path stays
// server-side.
type uploadView struct {
	UploadID  string `json:"upload_id"`
	Timestamp string `json:"timestamp"`
	Filename  string `json:"filename"`
	SHA256    string `json:"sha256"`
	PropID    string `json:"prop_id"`
	Status    string `json:"status"`
}

func viewOf(rec Record) uploadView {
	return uploadView{
		UploadID:  rec.UploadID,
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339),
		Filename:  rec.Filename,
		SHA256:    rec.SHA256,
		PropID:    rec.PropID,
		Status:    rec.Status,
	}
}

func (h *Handler) handleStagingData(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Staged(r.Context())
	if err != nil {
		h.log.Error("intake.staging_data.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to read staging log")
		return
	}

	out := make([]uploadView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	rec, err := h.svc.StageUpload(r.Context(), header.Filename, file)
	if err != nil {
		h.log.Error("intake.stage.fail", "filename", header.Filename, "err", err)
		writeError(w, http.StatusInternalServerError, "stage_failed", "failed to stage upload")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_upload", "missing file field")
		return
	}
	defer func() { _ = file.Close() }()

	rec, err := h.svc.DirectImport(r.Context(), header.Filename, file)
	if err != nil {
		h.log.Error("intake.import.fail", "filename", header.Filename, "err", err)
		writeError(w, http.StatusInternalServerError, "import_failed", "failed to import upload")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")

	propID, fields, err := h.svc.Diff(r.Context(), uploadID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "upload not found")
		return
	}
	if err != nil {
		h.log.Error("intake.diff.fail", "upload_id", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "diff_failed", "failed to compute diff")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"prop_id": propID,
		"fields":  fields,
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")

	rec, err := h.svc.Approve(r.Context(), uploadID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "upload not found")
		return
	}
	if err != nil {
		h.log.Error("intake.approve.fail", "upload_id", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "approve_failed", "failed to approve upload")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Upload approved and processed",
		"upload":  viewOf(rec),
	})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid form body")
		return
	}
	uploadID := r.PostFormValue("upload_id")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing upload_id")
		return
	}

	rec, err := h.svc.Rollback(r.Context(), uploadID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "upload not found in audit log")
		return
	}
	if err != nil {
		h.log.Error("intake.rollback.fail", "upload_id", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "rollback_failed", "failed to roll back upload")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Upload has been rolled back successfully",
		"upload":  viewOf(rec),
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sync_import_log.csv"`)

	if err := h.svc.ExportCSV(r.Context(), w); err != nil {
		// Headers are already out; log and cut the stream short.
		h.log.Error("intake.export.fail", "err", err)
	}
}

// ---- JSON helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}
