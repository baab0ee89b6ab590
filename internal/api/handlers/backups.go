package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/backup"
	"github.com/TheGojiOG/LocalSM/internal/logging"
	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
)

// BackupHandler handles backup requests
type BackupHandler struct {
	manager   *server.Manager
	backups   *backup.Manager
	scheduler *backup.Scheduler
	activity  *logging.ActivityLogger
}

// NewBackupHandler creates a new backup handler. scheduler may be nil.
func NewBackupHandler(manager *server.Manager, backups *backup.Manager, scheduler *backup.Scheduler, activity *logging.ActivityLogger) *BackupHandler {
	return &BackupHandler{
		manager:   manager,
		backups:   backups,
		scheduler: scheduler,
		activity:  activity,
	}
}

// ListBackups returns a server's backups, newest first
func (h *BackupHandler) ListBackups(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	backups, err := h.backups.ListBackups(c.Request.Context(), info.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if backups == nil {
		backups = []*models.Backup{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups, "destinations": h.backups.Destinations()})
}

// CreateBackup archives a server folder to a destination
func (h *BackupHandler) CreateBackup(c *gin.Context) {
	var req models.CreateBackupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	record, err := h.backups.CreateBackup(c.Request.Context(), backup.CreateRequest{
		Server:      info.ID,
		Destination: req.Destination,
		CreatedBy:   actor(c),
	})
	metadata := map[string]interface{}{"destination": req.Destination}
	if record != nil {
		metadata["backup_id"] = record.ID
		metadata["size"] = record.Size
	}
	_ = h.activity.Record(info.ID, actor(c), logging.ActivityBackupCreate,
		fmt.Sprintf("Backed up %s", info.Name), metadata, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// RestoreBackup extracts a backup over its server folder
func (h *BackupHandler) RestoreBackup(c *gin.Context) {
	record, err := h.backups.GetBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.backups.RestoreBackup(c.Request.Context(), record.ID)
	_ = h.activity.Record(record.ServerID, actor(c), logging.ActivityBackupRestore,
		fmt.Sprintf("Restored backup %s", record.Filename),
		map[string]interface{}{"backup_id": record.ID}, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Backup restored", "backup": record})
}

// DeleteBackup removes a backup from its destination
func (h *BackupHandler) DeleteBackup(c *gin.Context) {
	record, err := h.backups.GetBackup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.backups.DeleteBackup(c.Request.Context(), record.ID)
	_ = h.activity.Record(record.ServerID, actor(c), logging.ActivityBackupDelete,
		fmt.Sprintf("Deleted backup %s", record.Filename),
		map[string]interface{}{"backup_id": record.ID}, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Backup deleted"})
}

// ListSchedules returns the configured backup schedules and their last runs
func (h *BackupHandler) ListSchedules(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"schedules": []backup.ScheduleRun{}})
		return
	}
	runs, err := h.scheduler.Runs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": runs})
}

// RunSchedule triggers a schedule immediately
func (h *BackupHandler) RunSchedule(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No backup schedules configured"})
		return
	}
	if err := h.scheduler.RunNow(c.Param("schedule")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Schedule completed"})
}
