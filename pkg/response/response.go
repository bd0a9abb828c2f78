package response

import "github.com/gofiber/fiber/v2"

// Error codes
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeRateLimited       = "RATE_LIMITED"
	CodeQuotaExceeded     = "DAILY_QUOTA_EXCEEDED"
	CodeQueueFull         = "QUEUE_FULL"
	CodeAlreadyInProgress = "ALREADY_IN_PROGRESS"
	CodeNotCancellable    = "NOT_CANCELLABLE"
	CodeNotReprocessable  = "NOT_REPROCESSABLE"
	CodeResultNotReady    = "RESULT_NOT_READY"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeServiceError      = "SERVICE_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details any) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details any) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func TooManyRequests(c *fiber.Ctx, code, message string) error {
	return Error(c, fiber.StatusTooManyRequests, code, message, nil)
}

func ServiceUnavailable(c *fiber.Ctx, code, message string) error {
	return Error(c, fiber.StatusServiceUnavailable, code, message, nil)
}

// Conflict carries the blocking job id, when known, in details.
func Conflict(c *fiber.Ctx, code, message string, details any) error {
	return Error(c, fiber.StatusConflict, code, message, details)
}

func PayloadTooLarge(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusRequestEntityTooLarge, CodeFileTooLarge, message, nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func OK(c *fiber.Ctx, data any) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
