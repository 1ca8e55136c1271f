package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Create the app_settings collection backing the settings package.
//
// Schema:
//
//	module  — which subsystem owns the row (e.g. "bridge", "forward")
//	key     — group name within the module (e.g. "session", "ports")
//	value   — JSON blob holding all fields for that group
//
// A unique index on (module, key) keeps one row per logical group. Clients
// cannot mutate rows; the backend writes through settings.SetGroup.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("app_settings")

		col.Fields.Add(&core.TextField{Name: "module", Required: true})
		col.Fields.Add(&core.TextField{Name: "key", Required: true})
		col.Fields.Add(&core.JSONField{Name: "value"})

		rule := "@request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule

		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_app_settings_module_key ON app_settings (module, `key`)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("app_settings")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
