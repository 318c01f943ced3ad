package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/download_manager/internal/downloader"
	"github.com/italolelis/download_manager/internal/events"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
)

const maxRequestSize = 64 * 1024

// Manager is the lifecycle surface exposed over HTTP.
type Manager interface {
	Create(ctx context.Context, key, url, path string) (storage.DownloadRecord, error)
	Get(ctx context.Context, key string) (storage.DownloadRecord, error)
	List(ctx context.Context) []storage.DownloadRecord
	Start(ctx context.Context, key string) (storage.DownloadRecord, error)
	Pause(ctx context.Context, key string) (storage.DownloadRecord, error)
	Resume(ctx context.Context, key string) (storage.DownloadRecord, error)
	Cancel(ctx context.Context, key string) (storage.DownloadRecord, error)
	Subscribe(key string, handler events.Handler) func()
}

type transitionFunc func(ctx context.Context, key string) (storage.DownloadRecord, error)

type CreateDownloadRequest struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Path string `json:"path"`
}

// DownloadResponse is the public view of a record. Run bookkeeping stays internal.
type DownloadResponse struct {
	Key             string              `json:"key"`
	URL             string              `json:"url"`
	Path            string              `json:"path"`
	State           storage.State       `json:"state"`
	DownloadedBytes int64               `json:"downloadedBytes"`
	TotalBytes      int64               `json:"totalBytes"`
	Progress        int                 `json:"progress"`
	LastError       string              `json:"lastError,omitempty"`
	Version         uint64              `json:"version"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	AllowedActions  []downloader.Action `json:"allowedActions"`
}

func newDownloadResponse(rec storage.DownloadRecord) DownloadResponse {
	return DownloadResponse{
		Key:             rec.Key,
		URL:             rec.URL,
		Path:            rec.Path,
		State:           rec.State,
		DownloadedBytes: rec.DownloadedBytes,
		TotalBytes:      rec.TotalBytes,
		Progress:        rec.Progress,
		LastError:       rec.LastError,
		Version:         rec.Version,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		AllowedActions:  downloader.AllowedActions(rec.State),
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type DownloadsHandler struct {
	manager  Manager
	username string
	password string
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// username is set.
func NewDownloadsHandler(manager Manager, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		manager:  manager,
		username: username,
		password: password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/events", h.HandleEvents)

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleCreate)

		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Get("/events", h.HandleDownloadEvents)
			r.Post("/start", h.transition(h.manager.Start))
			r.Post("/pause", h.transition(h.manager.Pause))
			r.Post("/resume", h.transition(h.manager.Resume))
			r.Post("/cancel", h.transition(h.manager.Cancel))
		})
	})

	return r
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	records := h.manager.List(r.Context())

	resp := make([]DownloadResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, newDownloadResponse(rec))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *DownloadsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CreateDownloadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "invalid_request"})

		return
	}

	rec, err := h.manager.Create(r.Context(), req.Key, req.URL, req.Path)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, newDownloadResponse(rec))
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownloadResponse(rec))
}

func (h *DownloadsHandler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := fn(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			writeError(w, r, err)

			return
		}

		writeJSON(w, r, http.StatusOK, newDownloadResponse(rec))
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="download_manager"`)
			writeJSON(w, r, http.StatusUnauthorized, ErrorResponse{Error: "invalid authorization format", Code: "unauthorized"})

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			writeJSON(w, r, http.StatusUnauthorized, ErrorResponse{Error: "invalid username or password", Code: "unauthorized"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps lifecycle errors to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, downloader.ErrDuplicateKey):
		return http.StatusConflict, "duplicate_key"
	case errors.Is(err, downloader.ErrInvalidKey):
		return http.StatusNotFound, "invalid_key"
	case errors.Is(err, downloader.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, downloader.ErrResumeUnavailable):
		return http.StatusGone, "resume_unavailable"
	case errors.Is(err, downloader.ErrTransportUnavailable):
		return http.StatusServiceUnavailable, "transport_unavailable"
	case errors.Is(err, downloader.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()

	if status == http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "err", err)

		msg = "internal server error"
	}

	writeJSON(w, r, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
