// Package settings reads and writes grouped configuration values stored in
// the app_settings collection.
//
// Each row holds one group identified by (module, key), e.g.
// ("bridge", "session") or ("forward", "ports"), with the value column
// carrying a JSON blob of all fields in that group.
//
// GetGroup always returns a non-nil map: on any error (missing row, DB
// failure, bad JSON) the provided fallback comes back, so callers can use
// v, _ := GetGroup(...) and read typed fields immediately.
package settings

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

// GetGroup loads the settings group identified by (module, key).
//
// On error the fallback map is returned alongside the error; the result is
// never nil.
func GetGroup(app core.App, module, key string, fallback map[string]any) (map[string]any, error) {
	record, err := app.FindFirstRecordByFilter(
		"app_settings",
		"module = {:module} && key = {:key}",
		dbx.Params{"module": module, "key": key},
	)
	if err != nil {
		return fallback, fmt.Errorf("settings.GetGroup(%s/%s): %w", module, key, err)
	}

	rawValue := record.Get("value")
	if rawValue == nil {
		return fallback, fmt.Errorf("settings.GetGroup(%s/%s): value is nil", module, key)
	}

	// JSON fields may surface as bytes, string, or an already-decoded map.
	var jsonBytes []byte
	switch v := rawValue.(type) {
	case []byte:
		jsonBytes = v
	case string:
		jsonBytes = []byte(v)
	case json.RawMessage:
		jsonBytes = []byte(v)
	default:
		jsonBytes, err = json.Marshal(v)
		if err != nil {
			return fallback, fmt.Errorf("settings.GetGroup(%s/%s): marshal raw value: %w", module, key, err)
		}
	}

	var result map[string]any
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return fallback, fmt.Errorf("settings.GetGroup(%s/%s): unmarshal: %w", module, key, err)
	}
	if result == nil {
		return fallback, nil
	}
	return result, nil
}

// SetGroup upserts the settings group identified by (module, key).
func SetGroup(app core.App, module, key string, value map[string]any) error {
	record, err := app.FindFirstRecordByFilter(
		"app_settings",
		"module = {:module} && key = {:key}",
		dbx.Params{"module": module, "key": key},
	)
	if err != nil {
		collection, colErr := app.FindCollectionByNameOrId("app_settings")
		if colErr != nil {
			return fmt.Errorf("settings.SetGroup(%s/%s): find collection: %w", module, key, colErr)
		}
		record = core.NewRecord(collection)
		record.Set("module", module)
		record.Set("key", key)
	}

	record.Set("value", value)
	if err := app.Save(record); err != nil {
		return fmt.Errorf("settings.SetGroup(%s/%s): save: %w", module, key, err)
	}
	return nil
}

// Int reads an integer field from a loaded group map. Handles float64 (JSON
// number default), int, int64, json.Number, and numeric strings. Returns
// fallback when the field is absent or unreadable.
func Int(group map[string]any, field string, fallback int) int {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return fallback
		}
		return int(i)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return fallback
		}
		return i
	}
	return fallback
}

// String reads a string field from a loaded group map.
func String(group map[string]any, field string, fallback string) string {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	return s
}

// Bool reads a boolean field from a loaded group map. Accepts bool and the
// strings "true"/"false".
func Bool(group map[string]any, field string, fallback bool) bool {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return fallback
		}
		return parsed
	}
	return fallback
}
