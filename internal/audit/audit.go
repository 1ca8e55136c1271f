// Package audit writes operation audit records to the audit_logs collection.
//
// All backend writes go through Write(); the collection's access rules block
// any client-side mutation, so the log is append-only from the API's point of
// view.
package audit

import (
	"log"

	"github.com/pocketbase/pocketbase/core"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Well-known actions. Dot-namespaced verb strings; handlers may also write
// actions not listed here.
const (
	ActionSSHConnect      = "bridge.ssh.connect"
	ActionSSHDisconnect   = "bridge.ssh.disconnect"
	ActionLocalConnect    = "bridge.local.connect"
	ActionLocalDisconnect = "bridge.local.disconnect"
	ActionForwardOpen     = "forward.open"
	ActionForwardClose    = "forward.close"
	ActionLoginSuccess    = "login.success"
	ActionLoginFailed     = "login.failed"
)

var validStatuses = map[string]bool{
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds the fields of a single audit record. A named struct avoids the
// swap-bug risk of a long run of string parameters.
type Entry struct {
	// UserID is the record ID of the actor ("unknown" for unauthenticated failures).
	UserID string
	// UserEmail is the actor's email for display.
	UserEmail string
	// Action is a dot-namespaced verb, e.g. ActionSSHConnect.
	Action string
	// ResourceType is the category of the affected resource, e.g. "server", "session", "forward".
	ResourceType string
	// ResourceID is the record ID or unique key of the affected resource.
	ResourceID string
	// ResourceName is the human-readable label of the affected resource.
	ResourceName string
	// Status must be StatusSuccess or StatusFailed.
	Status string
	// IP is the client's source address. Empty for worker-originated writes.
	IP string
	// UserAgent is the HTTP User-Agent header. Merged into the detail JSON,
	// no separate column.
	UserAgent string
	// Detail holds optional structured context (error message, session id, byte counts).
	Detail map[string]any
}

// Write persists one audit record.
//
// It uses app.Save() directly and so bypasses collection access rules,
// working from any handler or worker. Errors are logged and swallowed: an
// audit failure must never break the calling operation.
func Write(app core.App, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Printf("audit.Write: invalid status %q for action %q, skipping", entry.Status, entry.Action)
		return
	}

	col, err := app.FindCollectionByNameOrId("audit_logs")
	if err != nil {
		log.Printf("audit.Write: collection not found: %v", err)
		return
	}

	rec := core.NewRecord(col)
	rec.Set("user_id", entry.UserID)
	rec.Set("user_email", entry.UserEmail)
	rec.Set("action", entry.Action)
	rec.Set("resource_type", entry.ResourceType)
	rec.Set("resource_id", entry.ResourceID)
	rec.Set("resource_name", entry.ResourceName)
	rec.Set("status", entry.Status)
	rec.Set("ip", entry.IP)
	detail := entry.Detail
	if entry.UserAgent != "" {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["user_agent"] = entry.UserAgent
	}
	if detail != nil {
		rec.Set("detail", detail)
	}

	if err := app.Save(rec); err != nil {
		log.Printf("audit.Write: save failed: %v", err)
	}
}
