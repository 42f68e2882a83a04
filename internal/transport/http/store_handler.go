package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "cyclerdata/internal/errors"
	"cyclerdata/internal/exporter"
	"cyclerdata/internal/middleware"
	"cyclerdata/internal/services"
	api "cyclerdata/pkg/contracts/api/v1"
)

// StoreHandler serves tests recorded in the SQL data store
type StoreHandler struct {
	store        *services.StoreService
	xlsx         *exporter.XLSXExporter
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewStoreHandler creates a store handler
func NewStoreHandler(store *services.StoreService, validator *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *StoreHandler {
	return &StoreHandler{
		store:        store,
		xlsx:         exporter.NewXLSXExporter(logger),
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "store")),
	}
}

// Routes returns the store routes
func (h *StoreHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListTests)
	r.Get("/{test}/channels/{channel}", h.GetRun)
	return r
}

// ListTests handles GET /api/v1/tests
func (h *StoreHandler) ListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.store.Tests(r.Context())
	if err != nil {
		respondError(h.errorHandler, w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"tests": tests,
		"count": len(tests),
	})
}

// GetRun handles GET /api/v1/tests/{test}/channels/{channel}. Optional
// from and to (RFC 3339) restrict the records assembled.
func (h *StoreHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	testID, err := parseTestID(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	q := r.URL.Query()
	params := api.StoredRunRequest{
		Channel: chi.URLParam(r, "channel"),
		Format:  q.Get("format"),
		From:    q.Get("from"),
		To:      q.Get("to"),
	}
	if err := h.validator.Struct(r.URL.Path, params); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	run, err := h.store.Run(r.Context(), params.Query(testID))
	if err != nil {
		respondError(h.errorHandler, w, r, err)
		return
	}
	writeRun(w, r, h.xlsx, run, params.Format, h.logger)
}
