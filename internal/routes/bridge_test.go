package routes

import (
	"net/http"
	"testing"

	"github.com/termgate/termgate/internal/settings"
)

func TestBridgeLocalRequiresAuth(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodGet, "/api/ext/bridge/local", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBridgeSSHRequiresAuth(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodGet, "/api/ext/bridge/ssh/someserver", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBridgeSSHUnknownServer(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodGet, "/api/ext/bridge/ssh/nonexistent", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

// The WebView cannot set an Authorization header on the WS upgrade, so the
// token travels as a query parameter. Reaching the handler (400 for an
// unknown server) instead of being rejected (401) proves the token was
// honored.
func TestBridgeTokenQueryAuth(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	rec := te.do(t, http.MethodGet, "/api/ext/bridge/ssh/nonexistent?token="+te.token, "", false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTranscriptArchiveFlag(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	// Seeded default enables archiving.
	if !shouldArchive(te.app) {
		t.Fatal("archiving should be enabled by default")
	}

	if err := settings.SetGroup(te.app, "transcripts", "storage", map[string]any{
		"dir":     "transcripts",
		"archive": false,
	}); err != nil {
		t.Fatal(err)
	}
	if shouldArchive(te.app) {
		t.Fatal("archive:false must disable transcript archiving")
	}
}

func TestBridgeLocalRejectsNonWebSocket(t *testing.T) {
	te := newTestEnv(t)
	defer te.cleanup()

	// A plain GET without the upgrade handshake fails at Upgrade(), which
	// writes its own 400.
	rec := te.do(t, http.MethodGet, "/api/ext/bridge/local", "", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}
