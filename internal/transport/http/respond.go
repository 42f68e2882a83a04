package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apierrors "cyclerdata/internal/errors"
	"cyclerdata/internal/exporter"
	"cyclerdata/internal/services"
	api "cyclerdata/pkg/contracts/api/v1"
	"cyclerdata/pkg/contracts/domain"
)

const (
	csvContentType  = "text/csv; charset=utf-8"
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// respondError maps service lookup errors to 404 and 503 problems and
// hands everything else to the error handler's taxonomy mapping
func respondError(eh *apierrors.ErrorHandler, w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrArchiveNotFound),
		errors.Is(err, services.ErrChannelNotFound),
		errors.Is(err, services.ErrRunNotFound):
		eh.HandleError(w, r, apierrors.NotFound(r.URL.Path, err.Error()))
	case errors.Is(err, services.ErrStoreDisabled):
		eh.HandleError(w, r, apierrors.NewProblemDetails(http.StatusServiceUnavailable,
			apierrors.TypeServiceDown, "Service Unavailable", err.Error(), r.URL.Path))
	default:
		eh.HandleError(w, r, err)
	}
}

// writeRun writes run as JSON, CSV or an XLSX workbook
func writeRun(w http.ResponseWriter, r *http.Request, xlsx *exporter.XLSXExporter, run domain.TestRun, format string, logger *slog.Logger) {
	var err error
	switch format {
	case api.FormatCSV:
		w.Header().Set("Content-Type", csvContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exporter.RunFileName(run, api.FormatCSV)))
		err = exporter.WriteRunCSV(w, run)
	case api.FormatXLSX:
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exporter.RunFileName(run, api.FormatXLSX)))
		err = xlsx.Export([]domain.TestRun{run}, w)
	default:
		render.JSON(w, r, run)
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "run export failed",
			slog.Uint64("test_id", run.TestID),
			slog.String("channel_id", run.ChannelID),
			slog.String("format", format),
			slog.String("error", err.Error()))
	}
}
