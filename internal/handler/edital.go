package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/editalflow/api/internal/governor"
	"github.com/editalflow/api/internal/middleware"
	"github.com/editalflow/api/internal/model"
	"github.com/editalflow/api/pkg/response"
)

type EditalHandler struct {
	gov         *governor.Governor
	validator   *validator.Validate
	maxFileSize int64
	logger      *slog.Logger
}

func NewEditalHandler(gov *governor.Governor, v *validator.Validate, maxFileSize int64, logger *slog.Logger) *EditalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EditalHandler{
		gov:         gov,
		validator:   v,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Submit handles POST /api/editais. It accepts either a multipart upload
// (field "file", optional "metadata" JSON or individual metadata fields) or a
// JSON body referencing an already stored document.
func (h *EditalHandler) Submit(c *fiber.Ctx) error {
	owner := middleware.Owner(c)
	if owner == "" {
		return response.Unauthorized(c, "Missing owner")
	}

	var (
		doc  model.DocumentRef
		meta model.SubmitMetadata
		err  error
	)
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		doc, meta, err = h.upload(c)
	} else {
		doc, meta, err = h.reference(c)
	}
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) && fe.Code == fiber.StatusRequestEntityTooLarge {
			return response.PayloadTooLarge(c, fe.Message)
		}
		var ve *validationError
		if errors.As(err, &ve) {
			return response.ValidationError(c, ve.message, ve.details)
		}
		h.logger.Error("failed to stage document", "owner", owner, "error", err)
		return response.ServiceError(c, "Failed to store document")
	}

	result, err := h.gov.Submit(c.UserContext(), owner, doc, meta)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, result)
}

type validationError struct {
	message string
	details any
}

func (e *validationError) Error() string { return e.message }

func (h *EditalHandler) upload(c *fiber.Ctx) (model.DocumentRef, model.SubmitMetadata, error) {
	var meta model.SubmitMetadata
	file, err := c.FormFile("file")
	if err != nil {
		return model.DocumentRef{}, meta, &validationError{message: "File is required"}
	}
	if h.maxFileSize > 0 && file.Size > h.maxFileSize {
		return model.DocumentRef{}, meta, fiber.NewError(fiber.StatusRequestEntityTooLarge,
			fmt.Sprintf("File size exceeds %d MB limit", h.maxFileSize/(1024*1024)))
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") && file.Header.Get(fiber.HeaderContentType) != "application/pdf" {
		return model.DocumentRef{}, meta, &validationError{
			message: "Only PDF documents are accepted",
			details: map[string]string{"filename": file.Filename},
		}
	}

	if meta, err = h.formMetadata(c); err != nil {
		return model.DocumentRef{}, meta, err
	}

	f, err := file.Open()
	if err != nil {
		return model.DocumentRef{}, meta, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return model.DocumentRef{}, meta, fmt.Errorf("failed to read upload: %w", err)
	}

	doc, err := h.gov.StageDocument(c.UserContext(), filepath.Base(file.Filename), data)
	return doc, meta, err
}

func (h *EditalHandler) formMetadata(c *fiber.Ctx) (model.SubmitMetadata, error) {
	var meta model.SubmitMetadata
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return meta, &validationError{message: "Invalid metadata JSON"}
		}
	} else {
		if y := c.FormValue("year"); y != "" {
			year, err := strconv.Atoi(y)
			if err != nil {
				return meta, &validationError{message: "Invalid year"}
			}
			meta.Year = year
		}
		meta.UASG = c.FormValue("uasg")
		meta.PregaoNumber = c.FormValue("pregaoNumber")
		meta.CallbackURL = c.FormValue("callbackUrl")
		meta.Priority = c.FormValue("priority") == "true"
	}
	if err := h.validator.Struct(&meta); err != nil {
		return meta, &validationError{message: "Validation failed", details: formatValidationErrors(err)}
	}
	return meta, nil
}

func (h *EditalHandler) reference(c *fiber.Ctx) (model.DocumentRef, model.SubmitMetadata, error) {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return model.DocumentRef{}, model.SubmitMetadata{}, &validationError{message: "Invalid request body"}
	}
	if err := h.validator.Struct(&req); err != nil {
		return model.DocumentRef{}, model.SubmitMetadata{}, &validationError{message: "Validation failed", details: formatValidationErrors(err)}
	}
	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.DocumentURI)
	}
	return model.DocumentRef{URI: req.DocumentURI, Filename: filename}, req.Metadata, nil
}

// job loads a job and hides jobs owned by someone else.
func (h *EditalHandler) job(c *fiber.Ctx) (*model.Job, error) {
	job, err := h.gov.Job(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return nil, err
	}
	if owner := middleware.Owner(c); owner != "" && job.Owner != owner {
		return nil, governor.ErrNotFound
	}
	return job, nil
}

// Status handles GET /api/editais/:jobId/status
func (h *EditalHandler) Status(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, job.View())
}

// Result handles GET /api/editais/:jobId/result
func (h *EditalHandler) Result(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return h.writeError(c, err)
	}
	artifact, err := h.gov.Result(c.UserContext(), job.ID)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, artifact)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Tables handles GET /api/editais/:jobId/tables
func (h *EditalHandler) Tables(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return h.writeError(c, err)
	}
	data, url, err := h.gov.Workbook(c.UserContext(), job.ID)
	if err != nil {
		return h.writeError(c, err)
	}
	if url != "" {
		return c.Redirect(url, fiber.StatusFound)
	}
	c.Set(fiber.HeaderContentType, xlsxContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s-tables.xlsx"`, job.ID))
	return c.Send(data)
}

// Cancel handles POST /api/editais/:jobId/cancel
func (h *EditalHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return h.writeError(c, err)
	}
	result, err := h.gov.Cancel(c.UserContext(), job.ID)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Reprocess handles POST /api/editais/:jobId/reprocess
func (h *EditalHandler) Reprocess(c *fiber.Ctx) error {
	job, err := h.job(c)
	if err != nil {
		return h.writeError(c, err)
	}
	result, err := h.gov.Reprocess(c.UserContext(), job.ID)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, result)
}

func (h *EditalHandler) writeError(c *fiber.Ctx, err error) error {
	var rej *governor.Rejection
	if errors.As(err, &rej) {
		switch rej.Reason {
		case governor.ReasonDailyQuota:
			return response.TooManyRequests(c, response.CodeQuotaExceeded, "Daily processing limit reached")
		case governor.ReasonQueueFull:
			c.Set(fiber.HeaderRetryAfter, "30")
			return response.ServiceUnavailable(c, response.CodeQueueFull, "Processing queue is full, try again later")
		case governor.ReasonAlreadyInProgress:
			var details any
			if rej.JobID != "" {
				details = fiber.Map{"jobId": rej.JobID}
			}
			return response.Conflict(c, response.CodeAlreadyInProgress, "Document is already being processed", details)
		}
	}
	switch {
	case errors.Is(err, governor.ErrNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, governor.ErrNotCancellable):
		return response.Conflict(c, response.CodeNotCancellable, "Job already finished", nil)
	case errors.Is(err, governor.ErrNotReprocessable):
		return response.Conflict(c, response.CodeNotReprocessable, "Only failed jobs can be reprocessed", nil)
	case errors.Is(err, governor.ErrNotReady):
		return response.Conflict(c, response.CodeResultNotReady, "Job has not completed yet", nil)
	}
	h.logger.Error("request failed", "path", c.Path(), "error", err)
	return response.ServiceError(c, "Internal error")
}

func formatValidationErrors(err error) any {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		out := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			out[e.Field()] = e.Tag()
		}
		return out
	}
	return nil
}
