package migrations

import (
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"

	"github.com/termgate/termgate/internal/settings"
)

// Seed default settings groups.
//
// Insert-if-not-exists: rows an admin already customised are left alone.
// The down() function is a no-op, seed data is never rolled back.
func init() {
	m.Register(func(app core.App) error {
		seeds := []struct {
			module string
			key    string
			value  map[string]any
		}{
			{"bridge", "session", map[string]any{
				"idleTimeoutMinutes": 30,
			}},
			{"transcripts", "storage", map[string]any{
				"dir":           "transcripts",
				"retentionDays": 30,
				"archive":       true,
			}},
			{"forward", "ports", map[string]any{
				"portRangeStart": 42000,
				"portRangeEnd":   42999,
			}},
		}

		for _, seed := range seeds {
			_, err := app.FindFirstRecordByFilter(
				"app_settings",
				"module = {:module} && key = {:key}",
				dbx.Params{"module": seed.module, "key": seed.key},
			)
			if err == nil {
				continue // row already present
			}
			if err := settings.SetGroup(app, seed.module, seed.key, seed.value); err != nil {
				return err
			}
		}
		return nil
	}, func(app core.App) error {
		return nil
	})
}
