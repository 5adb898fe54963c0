package jobs

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirguard/fhirguard/internal/platform/fhir"
)

// UploadField is the multipart form field carrying the uploaded file.
const UploadField = "file"

type Handler struct {
	svc       *Service
	maxUpload int64
}

func NewHandler(svc *Service, maxUpload int64) *Handler {
	return &Handler{svc: svc, maxUpload: maxUpload}
}

// RegisterRoutes mounts the upload and status endpoints. uploadMiddleware
// applies to POST /upload only.
func (h *Handler) RegisterRoutes(g *echo.Group, uploadMiddleware ...echo.MiddlewareFunc) {
	g.POST("/upload", h.Upload, uploadMiddleware...)
	g.GET("/status/:task_id", h.GetStatus)
}

// UploadResponse is returned once a task has been queued.
type UploadResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile(UploadField)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	if !fhir.HasAcceptedSuffix(fh.Filename) {
		return echo.NewHTTPError(http.StatusBadRequest,
			"Invalid file type. Please upload .json, .ndjson, or .zip")
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte upload limit", h.maxUpload))
	}

	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxUpload > 0 {
		r = io.LimitReader(f, h.maxUpload+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	if h.maxUpload > 0 && int64(len(content)) > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d byte upload limit", h.maxUpload))
	}

	id, err := h.svc.Submit(c.Request().Context(), fhir.Upload{
		Content:     content,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
	})
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "analysis queue is full, retry later")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, UploadResponse{
		TaskID:  id,
		Message: "File uploaded. Processing started.",
	})
}

func (h *Handler) GetStatus(c echo.Context) error {
	id := c.Param("task_id")
	st, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown task id")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}
