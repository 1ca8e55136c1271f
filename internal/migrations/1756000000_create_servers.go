package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/pocketbase/pocketbase/tools/types"
)

// Create the servers collection: SSH targets a user can open a terminal to
// or forward ports through.
//
// Access rules:
//   - List/View: any authenticated user
//   - Create/Update/Delete: nil = superuser only; the record hooks encrypt
//     the secret field before it reaches the database.
func init() {
	m.Register(func(app core.App) error {
		servers := core.NewBaseCollection("servers")
		servers.ListRule = types.Pointer("@request.auth.id != ''")
		servers.ViewRule = types.Pointer("@request.auth.id != ''")
		servers.CreateRule = nil
		servers.UpdateRule = nil
		servers.DeleteRule = nil

		servers.Fields.Add(&core.TextField{
			Name:     "name",
			Required: true,
			Max:      200,
		})
		servers.Fields.Add(&core.TextField{
			Name:     "host",
			Required: true,
		})
		servers.Fields.Add(&core.NumberField{
			Name:    "port",
			OnlyInt: true,
			Min:     types.Pointer(1.0),
			Max:     types.Pointer(65535.0),
		})
		servers.Fields.Add(&core.TextField{
			Name:     "user",
			Required: true,
		})
		servers.Fields.Add(&core.SelectField{
			Name:      "auth_type",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"password", "private_key"},
		})
		servers.Fields.Add(&core.TextField{
			Name:   "secret",
			Hidden: true, // encrypted at rest, never exposed in API responses
		})
		servers.Fields.Add(&core.TextField{
			Name: "shell",
		})
		servers.Fields.Add(&core.TextField{
			Name: "description",
		})
		servers.Fields.Add(&core.AutodateField{
			Name:     "created",
			OnCreate: true,
		})
		servers.Fields.Add(&core.AutodateField{
			Name:     "updated",
			OnCreate: true,
			OnUpdate: true,
		})
		servers.AddIndex("idx_servers_name", true, "name", "")

		return app.Save(servers)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("servers")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
