package gatewayapp

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"resticgw/internal/gwlog"
	"resticgw/internal/metacache"
)

func openTestApp(t *testing.T) *App {
	t.Helper()
	store, err := metacache.Open(":memory:")
	if err != nil {
		t.Fatalf("metacache.Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &App{store: store, log: gwlog.NewNopLogger()}
}

func TestOperationAuditRecordsStartAndFinish(t *testing.T) {
	app := openTestApp(t)

	handler := app.withOperationAudit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/config")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201", resp.StatusCode)
	}

	var count int
	row := queryRow(t, app, `SELECT COUNT(*) FROM gateway_operations WHERE status = '201'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scanning count: %v", err)
	}
	if count != 1 {
		t.Errorf("recorded operations with status 201 = %d, want 1", count)
	}
}

func TestStatusRecorderDefaultsToOK(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if rec.status != http.StatusOK {
		t.Errorf("default status = %d, want 200", rec.status)
	}
	rec.WriteHeader(http.StatusNotFound)
	if rec.status != http.StatusNotFound {
		t.Errorf("status after WriteHeader = %d, want 404", rec.status)
	}
}

// queryRow is a small test helper reaching into the store's underlying
// *sql.DB via Store.DB.
func queryRow(t *testing.T, app *App, query string) *sql.Row {
	t.Helper()
	return app.store.DB().QueryRow(query)
}
