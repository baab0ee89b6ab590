package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/console"
	"github.com/TheGojiOG/LocalSM/internal/logging"
	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
)

// ServerHandler handles server management requests
type ServerHandler struct {
	manager     *server.Manager
	pipeline    *console.Pipeline
	activity    *logging.ActivityLogger
	transcripts *console.TranscriptWriter

	// background downloads outlive the request that started them
	baseCtx    context.Context
	pendingOps sync.WaitGroup
}

// NewServerHandler creates a new server handler. transcripts may be nil
// when transcript export is disabled.
func NewServerHandler(
	ctx context.Context,
	manager *server.Manager,
	pipeline *console.Pipeline,
	activity *logging.ActivityLogger,
	transcripts *console.TranscriptWriter,
) *ServerHandler {
	return &ServerHandler{
		manager:     manager,
		pipeline:    pipeline,
		activity:    activity,
		transcripts: transcripts,
		baseCtx:     ctx,
	}
}

// WaitForCompletion waits for all pending background operations to finish
func (h *ServerHandler) WaitForCompletion() {
	h.pendingOps.Wait()
}

func (h *ServerHandler) record(c *gin.Context, serverID, activityType, description string, metadata map[string]interface{}, err error) {
	if h.activity == nil {
		return
	}
	if logErr := h.activity.Record(serverID, actor(c), activityType, description, metadata, err); logErr != nil {
		log.Printf("[Servers] Failed to record activity %s: %v", activityType, logErr)
	}
}

// ListServers returns every registered server with its runtime state
func (h *ServerHandler) ListServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": h.manager.List()})
}

// GetServer returns a specific server
func (h *ServerHandler) GetServer(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// CreateServer creates a server folder. When a URL is given the artifact is
// downloaded in the background and the response is 202 Accepted.
func (h *ServerHandler) CreateServer(c *gin.Context) {
	var req models.CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if url := strings.TrimSpace(req.URL); url != "" {
		if err := server.ValidateArtifactURL(url); err != nil {
			respondError(c, err)
			return
		}
	}
	if cmd := strings.TrimSpace(req.TunnelCommand); cmd != "" {
		if _, _, err := server.ParseCommand(cmd); err != nil {
			respondError(c, err)
			return
		}
	}

	info, err := h.manager.CreateServer(c.Request.Context(), req.Name, "")
	h.record(c, info.ID, logging.ActivityInstanceCreate, fmt.Sprintf("Created server %s", req.Name),
		map[string]interface{}{"folder": info.FolderPath}, err)
	if err != nil {
		respondError(c, err)
		return
	}

	if cmd := strings.TrimSpace(req.TunnelCommand); cmd != "" {
		if err := h.manager.SetTunnelCommand(info.ID, cmd); err != nil {
			respondError(c, err)
			return
		}
		info, _ = h.manager.Get(info.ID)
	}

	if strings.TrimSpace(req.URL) == "" {
		c.JSON(http.StatusCreated, info)
		return
	}

	h.startDownload(c, info, req.URL)
	info, _ = h.manager.Get(info.ID)
	c.JSON(http.StatusAccepted, info)
}

// DownloadArtifact (re)downloads a server's artifact in the background
func (h *ServerHandler) DownloadArtifact(c *gin.Context) {
	var req models.DownloadRequest
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
	if info.Running {
		respondError(c, fmt.Errorf("%w: stop %s before replacing its artifact", server.ErrRunning, info.Name))
		return
	}
	if url := strings.TrimSpace(req.URL); url != "" {
		if err := server.ValidateArtifactURL(url); err != nil {
			respondError(c, err)
			return
		}
	} else if info.ArtifactURL == nil {
		respondError(c, fmt.Errorf("%w: no artifact URL", server.ErrValidation))
		return
	}

	h.startDownload(c, info, req.URL)
	c.JSON(http.StatusAccepted, gin.H{"message": "Download started", "server_id": info.ID})
}

func (h *ServerHandler) startDownload(c *gin.Context, info server.InstanceInfo, url string) {
	who := actor(c)
	h.pendingOps.Add(1)
	go func() {
		defer h.pendingOps.Done()
		err := h.manager.DownloadArtifact(h.baseCtx, info.ID, url)
		if err != nil {
			log.Printf("[Servers] Download for %s failed: %v", info.Name, err)
		}
		if h.activity != nil {
			_ = h.activity.Record(info.ID, who, logging.ActivityArtifactDownload,
				fmt.Sprintf("Downloaded artifact for %s", info.Name),
				map[string]interface{}{"url": url}, err)
		}
	}()
}

// DeleteServer stops a server and removes its folder
func (h *ServerHandler) DeleteServer(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.manager.DeleteServer(c.Request.Context(), info.ID)
	h.record(c, info.ID, logging.ActivityInstanceDelete, fmt.Sprintf("Deleted server %s", info.Name), nil, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Server deleted successfully"})
}

// DiscoverServers registers folders found under the servers directory
func (h *ServerHandler) DiscoverServers(c *gin.Context) {
	found := h.manager.DiscoverServers()
	if len(found) > 0 {
		if err := h.manager.Save(); err != nil {
			respondError(c, err)
			return
		}
		for _, info := range found {
			h.record(c, info.ID, logging.ActivityInstanceDiscover, fmt.Sprintf("Discovered server %s", info.Name), nil, nil)
		}
	}
	if found == nil {
		found = []server.InstanceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"discovered": found})
}

type lifecycleOp struct {
	activity string
	verb     string
	run      func(ctx context.Context, nameOrID string) error
}

func (h *ServerHandler) lifecycle(c *gin.Context, op lifecycleOp) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = op.run(c.Request.Context(), info.ID)
	h.record(c, info.ID, op.activity, fmt.Sprintf("%s server %s", op.verb, info.Name), nil, err)
	if err != nil {
		respondError(c, err)
		return
	}

	info, _ = h.manager.Get(info.ID)
	c.JSON(http.StatusOK, info)
}

// StartServer launches the server process
func (h *ServerHandler) StartServer(c *gin.Context) {
	h.lifecycle(c, lifecycleOp{logging.ActivityInstanceStart, "Started", h.manager.StartServer})
}

// StopServer stops the server process gracefully
func (h *ServerHandler) StopServer(c *gin.Context) {
	h.lifecycle(c, lifecycleOp{logging.ActivityInstanceStop, "Stopped", h.manager.StopServer})
}

// RestartServer stops then starts the server process
func (h *ServerHandler) RestartServer(c *gin.Context) {
	h.lifecycle(c, lifecycleOp{logging.ActivityInstanceRestart, "Restarted", h.manager.RestartServer})
}

// SendCommand writes a console command to the server
func (h *ServerHandler) SendCommand(c *gin.Context) {
	var req models.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.manager.SendCommand(info.ID, req.Command)
	if h.activity != nil {
		_ = h.activity.LogCommandSend(info.ID, actor(c), req.Command, err)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Command sent"})
}

// StartTunnel starts the tunnel and waits for its public URL
func (h *ServerHandler) StartTunnel(c *gin.Context) {
	var req models.TunnelCommandRequest
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
	if cmd := strings.TrimSpace(req.Command); cmd != "" {
		if err := h.manager.SetTunnelCommand(info.ID, cmd); err != nil {
			respondError(c, err)
			return
		}
	}

	err = h.manager.StartTunnel(c.Request.Context(), info.ID)
	h.record(c, info.ID, logging.ActivityTunnelStart, fmt.Sprintf("Started tunnel for %s", info.Name), nil, err)
	if err != nil {
		respondError(c, err)
		return
	}

	info, _ = h.manager.Get(info.ID)
	c.JSON(http.StatusOK, info)
}

// StopTunnel kills the tunnel process
func (h *ServerHandler) StopTunnel(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	err = h.manager.StopTunnel(info.ID)
	h.record(c, info.ID, logging.ActivityTunnelStop, fmt.Sprintf("Stopped tunnel for %s", info.Name), nil, err)
	if err != nil {
		respondError(c, err)
		return
	}

	info, _ = h.manager.Get(info.ID)
	c.JSON(http.StatusOK, info)
}

// SetTunnelAuthToken stores the tunnel provider's auth token
func (h *ServerHandler) SetTunnelAuthToken(c *gin.Context) {
	var req models.AuthTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	output, err := h.manager.SetTunnelAuthToken(c.Request.Context(), req.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.AuthTokenResponse{Output: output})
}

// GetTranscript returns the most recent console lines, optionally filtered
// with filter=errors|search|regex and pattern=.
func (h *ServerHandler) GetTranscript(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	lines, err := h.manager.Transcript(info.ID, queryInt(c, "lines", 200, 10000))
	if err != nil {
		respondError(c, err)
		return
	}

	if filterType := strings.TrimSpace(c.Query("filter")); filterType != "" {
		filter, err := console.NewOutputFilter(filterType, c.Query("pattern"), c.Query("case_sensitive") == "true")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		lines = filter.FilterLines(lines)
	}
	if lines == nil {
		lines = []string{}
	}

	c.JSON(http.StatusOK, models.TranscriptResponse{ServerID: info.ID, Lines: lines, Total: len(lines)})
}

// ExportTranscript downloads the persisted console transcript, falling back
// to the in-memory buffer when export is disabled.
func (h *ServerHandler) ExportTranscript(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	filename := fmt.Sprintf("%s_%s.log", server.MakeSafeName(info.Name), time.Now().Format("2006-01-02_15-04-05"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if h.transcripts != nil {
		c.File(h.transcripts.Path(info.ID))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(h.pipeline.TranscriptText(info.ID)))
}

// GetProperties returns the server.properties key/value pairs
func (h *ServerHandler) GetProperties(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	props, err := h.manager.ReadProperties(info.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.PropertiesResponse{ServerID: info.ID, Properties: props})
}

// UpdateProperties merges values into server.properties
func (h *ServerHandler) UpdateProperties(c *gin.Context) {
	var req models.PropertiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	keys := make([]string, 0, len(req.Properties))
	for key := range req.Properties {
		keys = append(keys, key)
	}

	props, err := h.manager.UpdateProperties(info.ID, req.Properties)
	h.record(c, info.ID, logging.ActivityPropertiesUpdate, fmt.Sprintf("Updated properties for %s", info.Name),
		map[string]interface{}{"keys": keys}, err)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.PropertiesResponse{ServerID: info.ID, Properties: props})
}

// GetServerActivity returns recent activity log entries for a server
func (h *ServerHandler) GetServerActivity(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	if h.activity == nil {
		c.JSON(http.StatusOK, gin.H{"activities": []*logging.Activity{}})
		return
	}

	activityType := strings.TrimSpace(c.Query("type"))
	activities, err := h.activity.Query(logging.ActivityQuery{
		ServerID: info.ID,
		Type:     activityType,
		Limit:    queryInt(c, "limit", 50, 500),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load activity log"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"activities": activities})
}
