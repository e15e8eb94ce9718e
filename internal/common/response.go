package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func OK(c *gin.Context, data any) {
	Respond(c, http.StatusOK, data)
}

// Respond writes a success envelope with a non-200 status (e.g. 202 Accepted).
func Respond(c *gin.Context, httpStatus int, data any) {
	c.JSON(httpStatus, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
