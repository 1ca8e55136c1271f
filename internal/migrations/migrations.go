// Package migrations contains PocketBase Go migrations for TermGate's
// collections.
//
// Each migration file registers itself with the PocketBase migration runner
// via init(). The package must be blank-imported in main.go:
//
//	_ "github.com/termgate/termgate/internal/migrations"
package migrations
