package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/logger"
)

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

// ErrorHandler is the fiber.Config ErrorHandler: it maps every error a handler
// returns onto a status code and a {"error":{code,message}} body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var validationErr validator.ValidationErrors
	if errors.As(err, &validationErr) {
		return c.Status(http.StatusBadRequest).JSON(ErrorResponse{Error: ErrorInfo{
			Code:    apperrors.CodeBadRequest,
			Message: validationMessage(validationErr),
		}})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{Error: ErrorInfo{
			Code:    codeForStatus(fiberErr.Code),
			Message: fiberErr.Message,
		}})
	}

	appErr := apperrors.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		logger.LogError(err, c.Method()+" "+c.Path())
	}
	message := appErr.Message
	if appErr.Code == apperrors.CodeInternal {
		message = "An unexpected error occurred"
	}
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: ErrorInfo{Code: appErr.Code, Message: message}})
}

func validationMessage(errs validator.ValidationErrors) string {
	for _, err := range errs {
		field := strings.ToLower(err.Field())
		switch err.Tag() {
		case "required":
			return field + " is required"
		case "min":
			return field + " must be at least " + err.Param() + " characters"
		case "max":
			return field + " must be at most " + err.Param() + " characters"
		default:
			return field + " is invalid"
		}
	}
	return "Invalid input data"
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return apperrors.CodeBadRequest
	case http.StatusUnauthorized:
		return apperrors.CodeUnauthenticated
	case http.StatusForbidden:
		return apperrors.CodeForbidden
	case http.StatusNotFound:
		return apperrors.CodeNotFound
	case http.StatusTooManyRequests:
		return apperrors.CodeRateLimited
	}
	if status >= http.StatusInternalServerError {
		return apperrors.CodeInternal
	}
	return apperrors.CodeBadRequest
}
