package routes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/controller"
	"github.com/termgate/termgate/internal/crypto"
	"github.com/termgate/termgate/internal/settings"
	"github.com/termgate/termgate/internal/terminal"
	"github.com/termgate/termgate/internal/worker"
)

var wsUpgrader = websocket.Upgrader{
	// CheckOrigin allows all origins. Authentication is enforced via JWT
	// (RequireAuth + wsTokenAuth) and the terminal lives in the app's own
	// WebView, so a permissive origin policy is acceptable here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTokenAuth authenticates WebSocket upgrade requests using a "token" query
// parameter. The WebView cannot set custom headers on the WS upgrade, so the
// client sends the JWT as ?token=. PocketBase's global loadAuthToken
// middleware runs before route-level Bind, so the auth record has to be
// resolved here rather than by rewriting the header.
func wsTokenAuth() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "wsTokenAuth",
		// Must run AFTER loadAuthToken (-1020) but BEFORE RequireAuth (0).
		// Otherwise RequireAuth from the parent /api/ext group rejects the
		// request before wsTokenAuth gets a chance to set e.Auth.
		Priority: -1019,
		Func: func(e *core.RequestEvent) error {
			if e.Auth != nil {
				return e.Next() // already authenticated via header/cookie
			}
			tok := e.Request.URL.Query().Get("token")
			if tok == "" {
				return e.Next()
			}
			record, err := e.App.FindAuthRecordByToken(tok, core.TokenTypeAuth)
			if err == nil && record != nil {
				e.Auth = record
			}
			return e.Next()
		},
	}
}

// registerBridgeRoutes registers the WebSocket terminal bridge routes.
//
//	/api/ext/bridge/ssh/{serverId} — terminal over SSH to a stored server
//	/api/ext/bridge/local          — terminal on the gateway host itself
func registerBridgeRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	b := g.Group("/bridge")
	b.Bind(wsTokenAuth())

	b.GET("/ssh/{serverId}", handleSSHBridge)
	b.GET("/local", handleLocalBridge)
}

// bridgeAudit carries the audit identity of one bridge session.
type bridgeAudit struct {
	connect      string
	disconnect   string
	resourceID   string
	resourceName string
}

func handleSSHBridge(e *core.RequestEvent) error {
	serverID := e.Request.PathValue("serverId")
	cfg, err := resolveServerConfig(e, serverID)
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": err.Error()})
	}

	return serveBridge(e, &terminal.SSHConnector{}, cfg, bridgeAudit{
		connect:      audit.ActionSSHConnect,
		disconnect:   audit.ActionSSHDisconnect,
		resourceID:   serverID,
		resourceName: cfg.Host,
	})
}

func handleLocalBridge(e *core.RequestEvent) error {
	// Optional shell override; restricted to a known-safe set.
	shell := e.Request.URL.Query().Get("shell")
	if shell != "" && shell != "/bin/sh" && shell != "/bin/bash" && shell != "/bin/zsh" {
		shell = ""
	}

	return serveBridge(e, &terminal.LocalConnector{}, terminal.ConnectorConfig{Shell: shell}, bridgeAudit{
		connect:      audit.ActionLocalConnect,
		disconnect:   audit.ActionLocalDisconnect,
		resourceID:   "local",
		resourceName: "gateway host",
	})
}

// serveBridge upgrades the request, wires a Remote and Controller pair onto
// the socket, and pumps inbound frames into the bridge until the client goes
// away.
func serveBridge(e *core.RequestEvent, connector terminal.Connector, cfg terminal.ConnectorConfig, meta bridgeAudit) error {
	applyIdleTimeout(e.App)

	conn, err := wsUpgrader.Upgrade(e.Response, e.Request, nil)
	if err != nil {
		return nil // Upgrade already wrote the response
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := e.App.Logger().With("session_id", sessionID)

	remote := terminal.NewRemote(logger)
	transcript, transcriptPath := openTranscript(e.App, sessionID, logger)
	if transcript != nil {
		remote.SetTranscript(transcript)
	}

	ctrl := controller.New(remote, &wsEndpoint{conn: conn}, logger)
	ctrl.Bridge().Start()

	ctx, cancel := context.WithCancel(e.Request.Context())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		ctrl.Run(ctx)
	}()

	userID, userEmail := actorInfo(e)
	ip := e.RealIP()
	startedAt := time.Now().UTC()

	connectErr := remote.Connect(ctx, connector, cfg)
	connectStatus := audit.StatusSuccess
	connectDetail := map[string]any{"session_id": sessionID}
	if connectErr != nil {
		connectStatus = audit.StatusFailed
		connectDetail["error"] = connectErr.Error()
		logger.Warn("bridge: connect failed", "err", connectErr)
	}
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:       meta.connect,
		ResourceType: "server",
		ResourceID:   meta.resourceID,
		ResourceName: meta.resourceName,
		Status:       connectStatus,
		IP:           ip,
		Detail:       connectDetail,
	})

	var bytesIn int64
	terminal.Register(sessionID, remote)
	defer func() {
		terminal.Unregister(sessionID)
		_ = remote.Close()
		cancel()
		<-runDone
		finishTranscript(e.App, transcript, transcriptPath, logger)
		audit.Write(e.App, audit.Entry{
			UserID: userID, UserEmail: userEmail,
			Action:       meta.disconnect,
			ResourceType: "server",
			ResourceID:   meta.resourceID,
			ResourceName: meta.resourceName,
			Status:       audit.StatusSuccess,
			IP:           ip,
			Detail: map[string]any{
				"session_id": sessionID,
				"started_at": startedAt.Format(time.RFC3339),
				"ended_at":   time.Now().UTC().Format(time.RFC3339),
				"bytes_in":   bytesIn,
				"bytes_out":  remote.BytesOut(),
			},
		})
	}()

	// WebSocket → bridge. A connect failure keeps the socket open so the
	// controller's closing notice reaches the emulator; the client decides
	// when to hang up.
	br := ctrl.Bridge()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		bytesIn += int64(len(msg))
		terminal.Touch(sessionID)
		br.Dispatch(msg)
	}
	return nil
}

// wsEndpoint delivers encoded terminal commands as text frames.
// gorilla/websocket allows one concurrent writer, hence the mutex.
type wsEndpoint struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsEndpoint) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// applyIdleTimeout refreshes the session registry's idle timeout from
// settings before a new session is registered.
func applyIdleTimeout(app core.App) {
	group, _ := settings.GetGroup(app, "bridge", "session", map[string]any{
		"idleTimeoutMinutes": 30,
	})
	minutes := settings.Int(group, "idleTimeoutMinutes", 30)
	terminal.SetIdleTimeout(time.Duration(minutes) * time.Minute)
}

// openTranscript creates the transcript file for a session. Failures disable
// transcription for that session but never fail the connection.
func openTranscript(app core.App, sessionID string, logger *slog.Logger) (io.WriteCloser, string) {
	storage, _ := settings.GetGroup(app, "transcripts", "storage", map[string]any{
		"dir":     "transcripts",
		"archive": true,
	})
	dir := settings.String(storage, "dir", "transcripts")
	if dir == "" {
		return nil, ""
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Warn("bridge: transcript dir unavailable", "dir", dir, "err", err)
		return nil, ""
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s.log", sessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		logger.Warn("bridge: transcript open failed", "path", path, "err", err)
		return nil, ""
	}
	return f, path
}

// shouldArchive reports whether finished transcripts are handed to the worker
// for compression.
func shouldArchive(app core.App) bool {
	storage, _ := settings.GetGroup(app, "transcripts", "storage", map[string]any{
		"archive": true,
	})
	return settings.Bool(storage, "archive", true)
}

// finishTranscript closes the transcript and hands it to the worker for
// compression, unless archiving is disabled in settings.
func finishTranscript(app core.App, transcript io.WriteCloser, path string, logger *slog.Logger) {
	if transcript == nil {
		return
	}
	if err := transcript.Close(); err != nil {
		logger.Warn("bridge: transcript close failed", "path", path, "err", err)
	}
	if asynqClient == nil || !shouldArchive(app) {
		return
	}
	task, err := worker.NewArchiveTask(path)
	if err != nil {
		logger.Warn("bridge: archive task build failed", "err", err)
		return
	}
	if _, err := asynqClient.Enqueue(task); err != nil {
		logger.Warn("bridge: archive enqueue failed", "path", path, "err", err)
	}
}

// resolveServerConfig looks up the server record and its decrypted credential.
// This is the single place where a secret leaves the database in plaintext;
// it is never serialized or sent to the client.
func resolveServerConfig(e *core.RequestEvent, serverID string) (terminal.ConnectorConfig, error) {
	var cfg terminal.ConnectorConfig

	server, err := e.App.FindRecordById("servers", serverID)
	if err != nil {
		return cfg, fmt.Errorf("server not found: %w", err)
	}

	cfg.Host = server.GetString("host")
	cfg.Port = server.GetInt("port")
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	cfg.User = server.GetString("user")
	cfg.AuthType = server.GetString("auth_type")
	cfg.Shell = server.GetString("shell")

	encrypted := server.GetString("secret")
	if encrypted != "" {
		decrypted, err := crypto.Decrypt(encrypted)
		if err != nil {
			return cfg, fmt.Errorf("credential decrypt failed: %w", err)
		}
		cfg.Secret = decrypted
	}

	return cfg, nil
}
