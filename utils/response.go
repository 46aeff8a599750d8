package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Every endpoint answers with the same envelope: code 0 on success, a
// stable per-concern code on failure, payload under data. Clients key off
// code, never off HTTP status alone.
type envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success writes a 200 envelope around data.
func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, envelope{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error writes an error envelope. code is the stable application error
// code; status is the HTTP status it rides on.
func Error(ctx *gin.Context, status, code int, message string) {
	ctx.JSON(status, envelope{
		Code:    code,
		Message: message,
	})
}
