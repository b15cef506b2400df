// Package respond is the shared response envelope for every handler,
// generalizing the teacher's local ok/fail helpers
// (internal/httpapi/handlers/chat.go in the retrieved pack) into one
// reusable package.
package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK writes a 2xx response with data wrapped in the standard envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Code: 0, Message: "ok", Data: data})
}

// Fail writes an error response with an application-level code and
// message; status is the HTTP status line.
func Fail(c *gin.Context, status int, code int, message string) {
	c.AbortWithStatusJSON(status, envelope{Code: code, Message: message})
}

// FailErr is Fail with the message taken from err.
func FailErr(c *gin.Context, status int, code int, err error) {
	Fail(c, status, code, err.Error())
}

// Error codes, namespaced by HTTP status the way the teacher's handlers
// use 5-digit codes (40400 for not found, 40500 for method not allowed).
const (
	CodeValidation      = 42200
	CodeNotFound        = 40400
	CodePayloadTooLarge = 41300
	CodeUnauthorized    = 40100
	CodeInternal        = 50000
)

// StatusForCode maps an application code to its conventional HTTP status.
func StatusForCode(code int) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
