package utils

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ValidationError represents a structured validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse is the standard response for validation errors
type ValidationErrorResponse struct {
	Errors []ValidationError `json:"errors"`
}

// HandleValidationErrors processes binding errors and returns a standardized response
func HandleValidationErrors(ctx *gin.Context, err error) {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var errs []ValidationError
	for _, fieldError := range validationErrors {
		errs = append(errs, ValidationError{
			Field:   toSnakeCase(fieldError.Field()),
			Message: getValidationErrorMessage(fieldError),
		})
	}

	ctx.JSON(http.StatusBadRequest, ValidationErrorResponse{Errors: errs})
}

// getValidationErrorMessage builds a human-readable message for a field error
func getValidationErrorMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return "value is below the minimum of " + fe.Param()
	case "max":
		return "value exceeds the maximum of " + fe.Param()
	case "oneof":
		return "value must be one of: " + fe.Param()
	default:
		return "failed validation on " + fe.Tag()
	}
}

// toSnakeCase converts a Go field name to snake_case for API responses
func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
