package routes

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/termgate/termgate/internal/terminal"
)

// registerSessionRoutes registers the session administration routes.
//
//	GET    /api/ext/sessions      — list active bridge sessions
//	DELETE /api/ext/sessions/{id} — force-close one session
func registerSessionRoutes(g *router.RouterGroup[*core.RequestEvent]) {
	s := g.Group("/sessions")
	s.Bind(apis.RequireSuperuserAuth())

	s.GET("", handleSessionList)
	s.DELETE("/{id}", handleSessionClose)
}

func handleSessionList(e *core.RequestEvent) error {
	return e.JSON(http.StatusOK, map[string]any{
		"sessions": terminal.Sessions(),
	})
}

// handleSessionClose closes the underlying shell session. The owning
// WebSocket handler observes the disconnect and finishes its own teardown.
func handleSessionClose(e *core.RequestEvent) error {
	id := e.Request.PathValue("id")
	if !terminal.CloseSession(id) {
		return e.JSON(http.StatusNotFound, map[string]any{"message": "unknown session"})
	}
	return e.NoContent(http.StatusNoContent)
}
