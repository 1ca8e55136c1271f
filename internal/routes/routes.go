// Package routes registers all custom API routes for TermGate.
//
// Route groups:
//   - /api/ext/bridge   — WebSocket terminal bridge (SSH and local shells)
//   - /api/ext/forward  — SSH port forward management
//   - /api/ext/sessions — session administration (superuser only)
package routes

import (
	"github.com/hibiken/asynq"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

// asynqClient is the shared task client used to enqueue transcript archiving.
// nil disables archiving (e.g. in tests, or when Redis is unavailable).
var asynqClient *asynq.Client

// SetAsynqClient injects the worker's task client. Call before serving.
func SetAsynqClient(c *asynq.Client) {
	asynqClient = c
}

// Register mounts all custom route groups on the PocketBase router.
func Register(se *core.ServeEvent) {
	g := se.Router.Group("/api/ext")
	g.Bind(apis.RequireAuth())

	registerBridgeRoutes(g)
	registerForwardRoutes(g)
	registerSessionRoutes(g)
}

// actorInfo extracts the authenticated user's id and email for audit records.
func actorInfo(e *core.RequestEvent) (string, string) {
	if e.Auth != nil {
		return e.Auth.Id, e.Auth.GetString("email")
	}
	return "unknown", ""
}
