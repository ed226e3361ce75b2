package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const (
	statusSuccess = "success"
	statusFail    = "fail"
	statusError   = "error"
)

// envelope is the JSend body of every /api/ response: success carries data,
// fail carries a message and optional field errors, error carries a message
// and the HTTP code.
type envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

func respond(c echo.Context, code int, body envelope) error {
	return c.JSON(code, body)
}

func success(c echo.Context, data any) error {
	return respond(c, http.StatusOK, envelope{Status: statusSuccess, Data: data})
}

func fail(c echo.Context, code int, message string) error {
	return respond(c, code, envelope{Status: statusFail, Message: message})
}

func failField(c echo.Context, field, problem string) error {
	return respond(c, http.StatusBadRequest, envelope{
		Status:  statusFail,
		Message: "Validation failed",
		Data:    map[string]any{"validation_errors": map[string]string{field: problem}},
	})
}

func internalError(c echo.Context, message string) error {
	return respond(c, http.StatusInternalServerError, envelope{
		Status:  statusError,
		Message: message,
		Code:    http.StatusInternalServerError,
	})
}
