package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/api/middleware"
	"github.com/TheGojiOG/LocalSM/internal/backup"
	"github.com/TheGojiOG/LocalSM/internal/server"
)

// statusForError maps manager error kinds to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, server.ErrValidation), errors.Is(err, backup.ErrUnknownDestination):
		return http.StatusBadRequest
	case errors.Is(err, server.ErrNotFound), errors.Is(err, backup.ErrBackupNotFound), errors.Is(err, backup.ErrUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, server.ErrRunning), errors.Is(err, server.ErrNotRunning), errors.Is(err, backup.ErrBackupNotCompleted):
		return http.StatusConflict
	case errors.Is(err, server.ErrRuntimeNotFound), errors.Is(err, server.ErrArtifactNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, server.ErrDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// actor returns the authenticated operator for activity records
func actor(c *gin.Context) string {
	if username := c.GetString(middleware.ContextUsername); username != "" {
		return username
	}
	return "system"
}

func queryInt(c *gin.Context, key string, def, max int) int {
	value, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || value <= 0 {
		return def
	}
	if max > 0 && value > max {
		return max
	}
	return value
}
