// Package hooks registers PocketBase event hooks for TermGate business logic.
package hooks

import (
	"fmt"
	"strings"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/termgate/termgate/internal/audit"
	"github.com/termgate/termgate/internal/crypto"
	"github.com/termgate/termgate/internal/routes"
)

// Register binds all custom event hooks to the PocketBase app.
func Register(app *pocketbase.PocketBase) {
	registerServerHooks(app)
	registerSuperuserHooks(app)
	registerLoginAuditHooks(app)
}

// registerServerHooks validates server records and encrypts their SSH
// credentials before they reach the database.
func registerServerHooks(app *pocketbase.PocketBase) {
	app.OnRecordCreateRequest("servers").BindFunc(func(e *core.RecordRequestEvent) error {
		if err := validateServerRecord(e.Record); err != nil {
			return apis.NewBadRequestError(err.Error(), nil)
		}
		if err := encryptServerSecret(e.Record, ""); err != nil {
			return apis.NewBadRequestError("failed to store credential", err)
		}
		err := e.Next()
		if err == nil {
			writeServerAudit(app, e, "server.create")
		}
		return err
	})

	app.OnRecordUpdateRequest("servers").BindFunc(func(e *core.RecordRequestEvent) error {
		if err := validateServerRecord(e.Record); err != nil {
			return apis.NewBadRequestError(err.Error(), nil)
		}
		previous := e.Record.Original().GetString("secret")
		if err := encryptServerSecret(e.Record, previous); err != nil {
			return apis.NewBadRequestError("failed to store credential", err)
		}
		err := e.Next()
		if err == nil {
			writeServerAudit(app, e, "server.update")
		}
		return err
	})

	app.OnRecordDeleteRequest("servers").BindFunc(func(e *core.RecordRequestEvent) error {
		// Capture before deletion.
		recordID := e.Record.Id
		recordName := e.Record.GetString("name")
		ip := e.RealIP()
		ua := e.Request.Header.Get("User-Agent")
		err := e.Next()
		if err == nil {
			routes.ReleaseServerForwards(recordID)
			userID, userEmail := actorInfo(e.Auth)
			audit.Write(app, audit.Entry{
				UserID: userID, UserEmail: userEmail,
				Action: "server.delete", ResourceType: "server",
				ResourceID: recordID, ResourceName: recordName,
				Status:    audit.StatusSuccess,
				IP:        ip,
				UserAgent: ua,
			})
		}
		return err
	})
}

// validateServerRecord enforces constraints that cannot be expressed in the
// collection schema.
func validateServerRecord(record *core.Record) error {
	host := strings.TrimSpace(record.GetString("host"))
	if host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if strings.ContainsAny(host, " \t") {
		return fmt.Errorf("host must not contain whitespace")
	}

	authType := record.GetString("auth_type")
	secret := record.GetString("secret")
	if secret == "" && record.Original().GetString("secret") == "" {
		return fmt.Errorf("a credential is required for auth_type %q", authType)
	}
	return nil
}

// encryptServerSecret encrypts a newly supplied plaintext secret. When the
// value is unchanged from the stored (already encrypted) one it is left
// alone.
func encryptServerSecret(record *core.Record, previous string) error {
	secret := record.GetString("secret")
	if secret == "" || secret == previous {
		return nil
	}
	encrypted, err := crypto.Encrypt(secret)
	if err != nil {
		return err
	}
	record.Set("secret", encrypted)
	return nil
}

func writeServerAudit(app core.App, e *core.RecordRequestEvent, action string) {
	userID, userEmail := actorInfo(e.Auth)
	audit.Write(app, audit.Entry{
		UserID: userID, UserEmail: userEmail,
		Action: action, ResourceType: "server",
		ResourceID: e.Record.Id, ResourceName: e.Record.GetString("name"),
		Status:    audit.StatusSuccess,
		IP:        e.RealIP(),
		UserAgent: e.Request.Header.Get("User-Agent"),
	})
}

func actorInfo(auth *core.Record) (string, string) {
	if auth != nil {
		return auth.Id, auth.GetString("email")
	}
	return "system", ""
}

// registerLoginAuditHooks writes audit records on login success and failure
// for both the "users" and "_superusers" collections.
func registerLoginAuditHooks(app *pocketbase.PocketBase) {
	for _, col := range []string{"users", "_superusers"} {
		col := col // capture loop variable

		app.OnRecordAuthWithPasswordRequest(col).BindFunc(func(e *core.RecordAuthWithPasswordRequestEvent) error {
			ip := e.RealIP()
			ua := e.Request.Header.Get("User-Agent")
			err := e.Next()
			if err != nil {
				audit.Write(app, audit.Entry{
					UserID: "unknown", UserEmail: e.Identity,
					Action: audit.ActionLoginFailed, ResourceType: "session",
					Status:    audit.StatusFailed,
					IP:        ip,
					UserAgent: ua,
					Detail: map[string]any{
						"reason":     err.Error(),
						"collection": col,
					},
				})
				return err
			}
			audit.Write(app, audit.Entry{
				UserID: e.Record.Id, UserEmail: e.Record.GetString("email"),
				Action: audit.ActionLoginSuccess, ResourceType: "session",
				Status:    audit.StatusSuccess,
				IP:        ip,
				UserAgent: ua,
			})
			return nil
		})
	}
}

// registerSuperuserHooks registers safety guards for the _superusers system
// collection.
func registerSuperuserHooks(app *pocketbase.PocketBase) {
	app.OnRecordDeleteRequest("_superusers").BindFunc(func(e *core.RecordRequestEvent) error {
		// Cannot delete yourself.
		if e.Auth != nil && e.Auth.Id == e.Record.Id {
			return apis.NewBadRequestError("cannot_delete_self", nil)
		}

		// Cannot delete the last superuser.
		count, err := app.CountRecords("_superusers")
		if err != nil {
			return fmt.Errorf("superuser guard: failed to count superusers: %w", err)
		}
		if count <= 1 {
			return apis.NewBadRequestError("cannot_delete_last_superuser", nil)
		}

		return e.Next()
	})
}
