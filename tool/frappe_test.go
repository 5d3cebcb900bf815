package tool

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/petal-labs/frappemcp/docstore"
)

// taskSite serves the Task DocType of a Frappe site with field types the
// local schema does not declare itself.
type taskSite struct {
	mu       sync.Mutex
	inserted []map[string]any
}

func (s *taskSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/resource/DocType/Task":
		_, _ = io.WriteString(w, `{"data":{"name":"Task","module":"Projects","autoname":"hash",
			"fields":[
				{"fieldname":"subject","fieldtype":"Data","reqd":1},
				{"fieldname":"progress","fieldtype":"Percent"},
				{"fieldname":"rating","fieldtype":"Rating"},
				{"fieldname":"expected_time","fieldtype":"Duration"},
				{"fieldname":"score","fieldtype":"Decimal Score"}
			]}}`)
	case r.Method == http.MethodPost && r.URL.Path == "/api/resource/Task":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.inserted = append(s.inserted, body)
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"data":{"name":"TASK-0001","subject":"x"}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"exc_type":"DoesNotExistError"}`)
	}
}

func newFrappeRegistry(t *testing.T) (*Registry, *taskSite) {
	t.Helper()
	site := &taskSite{}
	ts := httptest.NewServer(site)
	t.Cleanup(ts.Close)

	store, err := docstore.NewFrappeStore(docstore.FrappeStoreConfig{URL: ts.URL, APIKey: "key", APISecret: "secret"})
	if err != nil {
		t.Fatalf("NewFrappeStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r, err := NewBuiltinRegistry(Deps{Store: store, Site: "erp.example.com", Version: "test"})
	if err != nil {
		t.Fatalf("NewBuiltinRegistry() error = %v", err)
	}
	r.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r, site
}

func TestCreateRecord_FrappeNumericFieldTypes(t *testing.T) {
	r, site := newFrappeRegistry(t)

	payload := mustSucceed(t, r.Dispatch(as(alice), "create_record", map[string]any{
		"doctype": "Task",
		"fields": map[string]any{
			"subject":       "x",
			"progress":      50,
			"rating":        0.8,
			"expected_time": 3600,
			"score":         7,
		},
	}))
	if payload["name"] != "TASK-0001" {
		t.Fatalf("name = %v, want TASK-0001", payload["name"])
	}

	site.mu.Lock()
	defer site.mu.Unlock()
	if len(site.inserted) != 1 {
		t.Fatalf("inserts = %d, want 1", len(site.inserted))
	}
	body := site.inserted[0]
	if body["progress"] != float64(50) || body["expected_time"] != float64(3600) || body["score"] != float64(7) {
		t.Fatalf("insert body = %v", body)
	}
}

func TestCreateRecord_FrappeTextFieldStillChecked(t *testing.T) {
	r, site := newFrappeRegistry(t)

	msg := mustFail(t, r.Dispatch(as(alice), "create_record", map[string]any{
		"doctype": "Task",
		"fields":  map[string]any{"subject": 42},
	}))
	if msg != "Task: Field subject expects Data, got number" {
		t.Fatalf("error = %q", msg)
	}
	site.mu.Lock()
	defer site.mu.Unlock()
	if len(site.inserted) != 0 {
		t.Fatalf("inserts = %d, want none", len(site.inserted))
	}
}
