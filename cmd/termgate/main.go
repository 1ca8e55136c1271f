package main

import (
	"log"

	"github.com/termgate/termgate/internal/hooks"
	"github.com/termgate/termgate/internal/routes"
	"github.com/termgate/termgate/internal/worker"

	// Register custom PocketBase migrations
	_ "github.com/termgate/termgate/internal/migrations"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
)

func main() {
	app := pocketbase.New()

	// Initialize Asynq worker (created once, shared across app lifecycle)
	w := worker.New(app)
	routes.SetAsynqClient(w.Client())

	// Register custom routes
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		routes.Register(se)
		return se.Next()
	})

	// Register event hooks
	hooks.Register(app)

	// Start Asynq worker when PocketBase starts serving
	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		w.Start()
		return se.Next()
	})

	// Graceful shutdown: close forwards and stop the worker
	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		routes.CloseAllForwards()
		w.Shutdown()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
