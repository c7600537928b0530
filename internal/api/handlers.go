package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pos-offline-sync/internal/logger"
	"pos-offline-sync/internal/offline"
	"pos-offline-sync/internal/store"
	possync "pos-offline-sync/internal/sync"
)

const maxBodyBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrUnknownCollection), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, possync.ErrNoRemote):
		status = http.StatusConflict
	case errors.Is(err, offline.ErrNotStarted), errors.Is(err, store.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Log.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	st := h.coord.Store()
	if st == nil {
		writeError(w, r, offline.ErrNotStarted)
		return
	}
	recs, err := st.GetAll(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	st := h.coord.Store()
	if st == nil {
		writeError(w, r, offline.ErrNotStarted)
		return
	}
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	rec, err := st.Get(r.Context(), collection, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec store.Record
	if err := decodeBody(w, r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.SaveRecord(r.Context(), chi.URLParam(r, "collection"), rec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// PutRecord takes the id from the path. A body id must match it.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	var rec store.Record
	if err := decodeBody(w, r, &rec); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if rec == nil {
		rec = store.Record{}
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = id
	}
	if got, err := rec.ID(); err != nil || got != id {
		writeError(w, r, fmt.Errorf("%w: body id does not match path id %s", store.ErrInvalidRecord, id))
		return
	}
	if err := h.coord.SaveRecord(r.Context(), chi.URLParam(r, "collection"), rec); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type pointsRequest struct {
	Points float64 `json:"points"`
}

func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.coord.AddLoyaltyPoints(r.Context(), chi.URLParam(r, "id"), req.Points)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) LowStock(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.coord.ScanLowStock(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	b, err := h.coord.Export(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, offline.BackupFileName(time.Now())))
	writeJSON(w, http.StatusOK, b)
}

func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var b offline.Backup
	if err := decodeBody(w, r, &b); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.Import(r.Context(), &b); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"menu":         len(b.Menu),
		"transactions": len(b.Transactions),
		"customers":    len(b.Customers),
	})
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	st := h.coord.Store()
	if st == nil {
		writeError(w, r, offline.ErrNotStarted)
		return
	}
	settings, err := st.GetSettings(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	st := h.coord.Store()
	if st == nil {
		writeError(w, r, offline.ErrNotStarted)
		return
	}
	var settings map[string]any
	if err := decodeBody(w, r, &settings); err != nil {
		writeError(w, r, err)
		return
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := st.PutSettings(r.Context(), raw); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) syncManager(w http.ResponseWriter, r *http.Request) *possync.Manager {
	sm := h.coord.Sync()
	if sm == nil {
		writeError(w, r, offline.ErrNotStarted)
	}
	return sm
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	report, err := sm.Report(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	res, err := sm.Flush(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	if err := sm.Start(); err != nil {
		if errors.Is(err, possync.ErrNoRemote) {
			writeError(w, r, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	sm.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	limit, offset := pageParams(r)
	resolved := r.URL.Query().Get("resolved") == "true"
	conflicts, err := sm.Conflicts().List(r.Context(), resolved, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	if err := sm.Conflicts().Resolve(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	sm := h.syncManager(w, r)
	if sm == nil {
		return
	}
	limit, offset := pageParams(r)
	history, err := sm.History(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) GetCacheStatus(w http.ResponseWriter, r *http.Request) {
	cm := h.coord.Cache()
	if cm == nil {
		writeError(w, r, offline.ErrNotStarted)
		return
	}
	writeJSON(w, http.StatusOK, cm.Status())
}
