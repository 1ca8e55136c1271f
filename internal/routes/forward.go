package routes

import (
	"net/http"
	"sync"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/forward"
	"github.com/termgate/termgate/internal/settings"
	"github.com/termgate/termgate/internal/terminal"
)

// registerForwardRoutes registers port forward management routes.
//
//	GET    /api/ext/forward/{serverId}       — list active forwards
//	POST   /api/ext/forward/{serverId}/open  — open a forward
//	DELETE /api/ext/forward/{serverId}/close — close a forward by id
func registerForwardRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	f := g.Group("/forward/{serverId}")
	f.GET("", handleForwardList)
	f.POST("/open", handleForwardOpen)
	f.DELETE("/close", handleForwardClose)
}

var (
	forwardMu      sync.Mutex
	forwardMgr     *forward.Manager
	forwardDialers = map[string]*terminal.SSHDialer{} // forward id → owning dialer
)

// forwardManager lazily builds the shared manager, sizing the port pool from
// settings on first use.
func forwardManager(app core.App) *forward.Manager {
	forwardMu.Lock()
	defer forwardMu.Unlock()
	if forwardMgr == nil {
		ports, _ := settings.GetGroup(app, "forward", "ports", map[string]any{
			"portRangeStart": 42000,
			"portRangeEnd":   42999,
		})
		start := settings.Int(ports, "portRangeStart", 42000)
		end := settings.Int(ports, "portRangeEnd", 42999)
		forwardMgr = forward.NewManager(forward.NewPortPool(start, end), app.Logger())
	}
	return forwardMgr
}

// CloseAllForwards tears down every active forward and its SSH transport.
// Called on app termination.
func CloseAllForwards() {
	forwardMu.Lock()
	mgr := forwardMgr
	dialers := forwardDialers
	forwardDialers = map[string]*terminal.SSHDialer{}
	forwardMu.Unlock()

	if mgr != nil {
		mgr.CloseAll()
	}
	for _, d := range dialers {
		_ = d.Close()
	}
}

// ReleaseServerForwards closes the forwards of a deleted server, shuts their
// SSH transports down, and returns its port assignments to the pool.
func ReleaseServerForwards(serverID string) {
	forwardMu.Lock()
	mgr := forwardMgr
	forwardMu.Unlock()
	if mgr == nil {
		return
	}

	snaps := mgr.List(serverID)
	mgr.CloseServer(serverID)

	forwardMu.Lock()
	dialers := make([]*terminal.SSHDialer, 0, len(snaps))
	for _, snap := range snaps {
		if d := forwardDialers[snap.ID]; d != nil {
			dialers = append(dialers, d)
			delete(forwardDialers, snap.ID)
		}
	}
	forwardMu.Unlock()
	for _, d := range dialers {
		_ = d.Close()
	}
}

func handleForwardList(e *core.RequestEvent) error {
	serverID := e.Request.PathValue("serverId")
	return e.JSON(http.StatusOK, map[string]any{
		"server_id": serverID,
		"forwards":  forwardManager(e.App).List(serverID),
	})
}

func handleForwardOpen(e *core.RequestEvent) error {
	serverID := e.Request.PathValue("serverId")

	var spec forward.Spec
	if err := e.BindBody(&spec); err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "invalid request body"})
	}
	if spec.TargetHost == "" || spec.TargetPort < 1 || spec.TargetPort > 65535 {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "target_host and target_port required"})
	}

	cfg, err := resolveServerConfig(e, serverID)
	if err != nil {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": err.Error()})
	}

	dialer, err := terminal.NewSSHDialer(e.Request.Context(), cfg)
	if err != nil {
		return e.JSON(http.StatusBadGateway, map[string]any{"message": err.Error()})
	}

	snap, err := forwardManager(e.App).Open(serverID, spec, dialer)
	if err != nil {
		_ = dialer.Close()
		return e.JSON(http.StatusBadRequest, map[string]any{"message": err.Error()})
	}

	forwardMu.Lock()
	forwardDialers[snap.ID] = dialer
	forwardMu.Unlock()

	userID, userEmail := actorInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:       audit.ActionForwardOpen,
		ResourceType: "forward",
		ResourceID:   snap.ID,
		ResourceName: spec.Name,
		Status:       audit.StatusSuccess,
		IP:           e.RealIP(),
		Detail: map[string]any{
			"server_id":   serverID,
			"local_port":  snap.LocalPort,
			"target_host": spec.TargetHost,
			"target_port": spec.TargetPort,
		},
	})

	return e.JSON(http.StatusOK, snap)
}

func handleForwardClose(e *core.RequestEvent) error {
	serverID := e.Request.PathValue("serverId")
	id := e.Request.URL.Query().Get("id")
	if id == "" {
		return e.JSON(http.StatusBadRequest, map[string]any{"message": "id required"})
	}

	if err := forwardManager(e.App).Close(id); err != nil {
		return e.JSON(http.StatusNotFound, map[string]any{"message": err.Error()})
	}

	forwardMu.Lock()
	dialer := forwardDialers[id]
	delete(forwardDialers, id)
	forwardMu.Unlock()
	if dialer != nil {
		_ = dialer.Close()
	}

	userID, userEmail := actorInfo(e)
	audit.Write(e.App, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action:       audit.ActionForwardClose,
		ResourceType: "forward",
		ResourceID:   id,
		Status:       audit.StatusSuccess,
		IP:           e.RealIP(),
		Detail:       map[string]any{"server_id": serverID},
	})

	return e.NoContent(http.StatusNoContent)
}
