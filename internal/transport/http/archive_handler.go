package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "cyclerdata/internal/errors"
	"cyclerdata/internal/exporter"
	"cyclerdata/internal/middleware"
	"cyclerdata/internal/services"
	api "cyclerdata/pkg/contracts/api/v1"
)

type ctxKey string

const archiveKey ctxKey = "archive"

// ArchiveHandler serves the archives of the archive directory
type ArchiveHandler struct {
	archives     *services.ArchiveService
	xlsx         *exporter.XLSXExporter
	validator    *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewArchiveHandler creates an archive handler
func NewArchiveHandler(archives *services.ArchiveService, validator *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archives:     archives,
		xlsx:         exporter.NewXLSXExporter(logger),
		validator:    validator,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "archives")),
	}
}

// Routes returns the archive routes
func (h *ArchiveHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListArchives)
	r.Route("/{name}", func(r chi.Router) {
		r.Use(h.ArchiveCtx)
		r.Get("/", h.GetArchive)
		r.Get("/workbook", h.GetWorkbook)
		r.Get("/channels/{channel}", h.GetChannel)
		r.Get("/channels/{channel}/runs/{test}", h.GetRun)
	})
	return r
}

// ArchiveCtx validates the archive name and stores it in the context
func (h *ArchiveHandler) ArchiveCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := api.ArchiveRequest{Name: chi.URLParam(r, "name")}
		if err := h.validator.Struct(r.URL.Path, p); err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), archiveKey, p.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func archiveName(r *http.Request) string {
	name, _ := r.Context().Value(archiveKey).(string)
	return name
}

// ListArchives handles GET /api/v1/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	list, err := h.archives.List(r.Context())
	if err != nil {
		respondError(h.errorHandler, w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"archives": list,
		"count":    len(list),
	})
}

// GetArchive handles GET /api/v1/archives/{name}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	sum, err := h.archives.Summary(r.Context(), archiveName(r))
	if err != nil {
		respondError(h.errorHandler, w, r, err)
		return
	}
	render.JSON(w, r, sum)
}

// GetChannel handles GET /api/v1/archives/{name}/channels/{channel}. A
// channel that failed to decode still answers 200 with its error in the
// summary; the runs assembled before the failure are listed.
func (h *ArchiveHandler) GetChannel(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	res, err := h.archives.Channel(r.Context(), archiveName(r), channel)
	if err != nil && res.ChannelID == "" {
		respondError(h.errorHandler, w, r, err)
		return
	}
	render.JSON(w, r, services.SummarizeChannel(res))
}

// GetRun handles GET /api/v1/archives/{name}/channels/{channel}/runs/{test}
func (h *ArchiveHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	testID, err := parseTestID(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	params := api.RunRequest{Format: r.URL.Query().Get("format")}
	if err := h.validator.Struct(r.URL.Path, params); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	run, err := h.archives.Run(r.Context(), archiveName(r), chi.URLParam(r, "channel"), testID)
	if err != nil {
		respondError(h.errorHandler, w, r, err)
		return
	}
	writeRun(w, r, h.xlsx, run, params.Format, h.logger)
}

// GetWorkbook handles GET /api/v1/archives/{name}/workbook, every run of
// the archive in one XLSX workbook
func (h *ArchiveHandler) GetWorkbook(w http.ResponseWriter, r *http.Request) {
	name := archiveName(r)
	res, err := h.archives.Decode(r.Context(), name)
	if err != nil {
		respondError(h.errorHandler, w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".xlsx"))
	if err := h.xlsx.Export(res.Runs(), w); err != nil {
		h.logger.ErrorContext(r.Context(), "workbook export failed",
			slog.String("archive", name),
			slog.String("error", err.Error()))
	}
}

func parseTestID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "test")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apierrors.BadRequest(r.URL.Path, "Invalid request parameters", apierrors.ValidationError{
			Field:   "test",
			Message: "test must be a non-negative integer",
		})
	}
	return id, nil
}
