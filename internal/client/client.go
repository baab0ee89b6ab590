package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheGojiOG/LocalSM/internal/models"
	"github.com/TheGojiOG/LocalSM/internal/server"
	ws "github.com/TheGojiOG/LocalSM/internal/websocket"
)

// APIError is a non-2xx response from the manager API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client talks to a running manager over HTTP and WebSocket
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// New creates a client for the API rooted at baseURL (for example
// http://127.0.0.1:8080). token may be empty until Login is called.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}
	return &Client{
		baseURL:    u,
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		dialer:     websocket.DefaultDialer,
	}, nil
}

// Token returns the current access token
func (c *Client) Token() string {
	return c.token
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + "/api/v1" + path
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr models.ErrorResponse
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func serverPath(name, suffix string) string {
	return "/servers/" + url.PathEscape(name) + suffix
}

// Login exchanges operator credentials for an access token and keeps it
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", models.LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// ListServers returns every registered server
func (c *Client) ListServers(ctx context.Context) ([]server.InstanceInfo, error) {
	var resp struct {
		Servers []server.InstanceInfo `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// CreateServer registers a new server, downloading url when set
func (c *Client) CreateServer(ctx context.Context, req models.CreateServerRequest) (server.InstanceInfo, error) {
	var info server.InstanceInfo
	err := c.do(ctx, http.MethodPost, "/servers", req, &info)
	return info, err
}

// DeleteServer removes a server and its folder
func (c *Client) DeleteServer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, serverPath(name, ""), nil, nil)
}

// Start starts a server
func (c *Client) Start(ctx context.Context, name string) (server.InstanceInfo, error) {
	return c.lifecycle(ctx, name, "/start")
}

// Stop stops a server
func (c *Client) Stop(ctx context.Context, name string) (server.InstanceInfo, error) {
	return c.lifecycle(ctx, name, "/stop")
}

// Restart restarts a server
func (c *Client) Restart(ctx context.Context, name string) (server.InstanceInfo, error) {
	return c.lifecycle(ctx, name, "/restart")
}

// StartTunnel starts a server's tunnel, optionally overriding its command
func (c *Client) StartTunnel(ctx context.Context, name, command string) (server.InstanceInfo, error) {
	var info server.InstanceInfo
	var body interface{}
	if command != "" {
		body = models.TunnelCommandRequest{Command: command}
	}
	err := c.do(ctx, http.MethodPost, serverPath(name, "/tunnel/start"), body, &info)
	return info, err
}

// StopTunnel stops a server's tunnel
func (c *Client) StopTunnel(ctx context.Context, name string) (server.InstanceInfo, error) {
	return c.lifecycle(ctx, name, "/tunnel/stop")
}

func (c *Client) lifecycle(ctx context.Context, name, action string) (server.InstanceInfo, error) {
	var info server.InstanceInfo
	err := c.do(ctx, http.MethodPost, serverPath(name, action), nil, &info)
	return info, err
}

// SendCommand writes a console command to a server
func (c *Client) SendCommand(ctx context.Context, name, command string) error {
	return c.do(ctx, http.MethodPost, serverPath(name, "/command"), models.CommandRequest{Command: command}, nil)
}

// Transcript returns the last lines of a server's console
func (c *Client) Transcript(ctx context.Context, name string, lines int) (*models.TranscriptResponse, error) {
	var resp models.TranscriptResponse
	err := c.do(ctx, http.MethodGet, serverPath(name, fmt.Sprintf("/transcript?lines=%d", lines)), nil, &resp)
	return &resp, err
}

// CreateBackup backs up a server to destination ("" for the default)
func (c *Client) CreateBackup(ctx context.Context, name, destination string) (*models.Backup, error) {
	var record models.Backup
	err := c.do(ctx, http.MethodPost, serverPath(name, "/backups"), models.CreateBackupRequest{Destination: destination}, &record)
	return &record, err
}

// Console streams a server's console until ctx is done or the connection
// drops. Messages typed on commands are sent as console commands.
func (c *Client) Console(ctx context.Context, name string, commands <-chan string, handle func(ws.Message)) error {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/ws/servers/" + url.PathEscape(name) + "/console"

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg ws.Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			handle(msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		case command, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			msg := ws.Message{Type: "command", Payload: map[string]string{"command": command}, Timestamp: time.Now()}
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}
