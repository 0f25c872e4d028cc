// Package api provides the response envelope and HTTP middleware shared by
// all route handlers.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fetchd-project/fetchd/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("requestId"); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// SuccessWithMessage sends a successful API response with a message
func SuccessWithMessage(c *gin.Context, message string) {
	response := gin.H{"message": message}
	c.JSON(http.StatusOK, types.NewSuccessResponse(response, getRequestID(c)))
}

// Created sends a created response for newly accepted resources
func Created[T any](c *gin.Context, data T) {
	c.JSON(http.StatusCreated, types.NewSuccessResponse(data, getRequestID(c)))
}

// Error sends an error API response
func Error(c *gin.Context, code types.ErrorCode, message string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, getRequestID(c)))
}

// ErrorWithDetails sends an error API response with details
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponseWithDetails(code, message, details, getRequestID(c)))
}

// ValidationError sends a validation error response
func ValidationError(c *gin.Context, err error) {
	Error(c, types.ErrInvalidRequest, err.Error())
}

// NotFound sends a not found error response
func NotFound(c *gin.Context, resource string) {
	Error(c, types.ErrTaskNotFound, resource+" not found")
}

// Conflict sends a conflict error response for operations invalid in the
// task's current state
func Conflict(c *gin.Context, message string) {
	Error(c, types.ErrConflict, message)
}

// InternalError sends an internal server error response
func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "internal server error", err.Error())
}

// BadRequest sends a bad request error response
func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// Paginated sends a paginated API response
func Paginated[T any](c *gin.Context, data []T, total int64, page, pageSize int) {
	c.JSON(http.StatusOK, types.NewPaginatedResponse(data, total, page, pageSize, getRequestID(c)))
}

// Accepted sends an accepted response for asynchronous operations
func Accepted(c *gin.Context, message string) {
	response := gin.H{"message": message, "status": "accepted"}
	c.JSON(http.StatusAccepted, types.NewSuccessResponse(response, getRequestID(c)))
}

// NoContent sends a no content response
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
