package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/TheGojiOG/LocalSM/internal/api/middleware"
	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/logging"
	"github.com/TheGojiOG/LocalSM/internal/server"
	ws "github.com/TheGojiOG/LocalSM/internal/websocket"
)

// ConsoleHandler streams console events over WebSocket
type ConsoleHandler struct {
	manager  *server.Manager
	hub      *ws.Hub
	activity *logging.ActivityLogger
	cfg      *config.Config
}

// NewConsoleHandler creates a new console handler
func NewConsoleHandler(cfg *config.Config, manager *server.Manager, hub *ws.Hub, activity *logging.ActivityLogger) *ConsoleHandler {
	return &ConsoleHandler{
		manager:  manager,
		hub:      hub,
		activity: activity,
		cfg:      cfg,
	}
}

func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.IsOriginAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

// HandleConsoleWebSocket streams one server's backlog and live output, and
// accepts {"type":"command","payload":{"command":"..."}} messages.
// WS /ws/servers/:name/console
func (h *ConsoleHandler) HandleConsoleWebSocket(c *gin.Context) {
	info, err := h.manager.Get(c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	upgrader := buildUpgrader(h.cfg.Security.CORS.AllowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Console] Failed to upgrade WebSocket: %v (origin=%s, server=%s)", err, c.Request.Header.Get("Origin"), info.Name)
		return
	}

	client := ws.NewClient(h.hub, conn, ws.ServerRoom(info.ID), actor(c))
	client.OnMessage = func(cl *ws.Client, msg *ws.Message) {
		h.handleClientMessage(cl, info, msg)
	}

	// backlog is queued before registering so it precedes live events
	backlog, _ := h.manager.Transcript(info.ID, h.cfg.Console.BacklogLines)
	for _, line := range backlog {
		_ = client.SendMessage(ws.TypeConsoleOutput, map[string]interface{}{
			"line":       line,
			"server_id":  info.ID,
			"historical": true,
		})
	}
	_ = client.SendMessage(ws.TypeSessionInfo, map[string]interface{}{
		"server_id": info.ID,
		"name":      info.Name,
		"status":    info.Status,
		"running":   info.Running,
		"viewers":   h.hub.GetRoomSize(client.Room) + 1,
	})

	h.hub.Serve(client)
}

func (h *ConsoleHandler) handleClientMessage(client *ws.Client, info server.InstanceInfo, msg *ws.Message) {
	switch msg.Type {
	case "command":
		payload, ok := msg.Payload.(map[string]interface{})
		if !ok {
			_ = client.SendMessage(ws.TypeError, map[string]interface{}{"message": "Invalid payload"})
			return
		}
		command, _ := payload["command"].(string)
		if strings.TrimSpace(command) == "" {
			_ = client.SendMessage(ws.TypeError, map[string]interface{}{"message": "Command is required"})
			return
		}

		err := h.manager.SendCommand(info.ID, command)
		_ = h.activity.LogCommandSend(info.ID, client.Username, command, err)

		result := map[string]interface{}{"command": command, "success": err == nil}
		if err != nil {
			result["error"] = err.Error()
		}
		_ = client.SendMessage(ws.TypeCommandResult, result)

	default:
		log.Printf("[Console] Unknown message type: %s", msg.Type)
	}
}

// HandleEventsWebSocket streams every server's events
// WS /ws/events
func (h *ConsoleHandler) HandleEventsWebSocket(c *gin.Context) {
	upgrader := buildUpgrader(h.cfg.Security.CORS.AllowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Console] Failed to upgrade events WebSocket: %v", err)
		return
	}

	client := ws.NewClient(h.hub, conn, ws.EventsRoom, actor(c))
	_ = client.SendMessage(ws.TypeSessionInfo, map[string]interface{}{
		"servers": h.manager.List(),
	})

	h.hub.Serve(client)
}
