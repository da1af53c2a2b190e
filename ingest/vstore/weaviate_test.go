package vstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEnsureSchemaCreatesMissingCollection(t *testing.T) {
	var created map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/schema/Code", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v1/schema", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
			t.Fatalf("failed to decode create request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "", 5*time.Second)
	err := client.EnsureSchema(context.Background(), "Code", SchemaConfig{ReplicationFactor: 3})
	if err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	if created["class"] != "Code" {
		t.Errorf("expected class Code, got %v", created["class"])
	}
	if created["vectorizer"] != "none" {
		t.Errorf("expected vectorizer none, got %v", created["vectorizer"])
	}
	repl, ok := created["replicationConfig"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected replicationConfig in create request, got %v", created)
	}
	if repl["factor"] != float64(3) {
		t.Errorf("expected replication factor 3, got %v", repl["factor"])
	}
}

func TestEnsureSchemaExistingCollection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/schema/Code", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/schema", func(w http.ResponseWriter, r *http.Request) {
		t.Error("create should not be called when the collection exists")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "", 5*time.Second)
	if err := client.EnsureSchema(context.Background(), "Code", SchemaConfig{}); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
}

func TestEnsureSchemaToleratesCreateRace(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/schema/Code", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/v1/schema", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":[{"message":"class \"Code\" already exists"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "", 5*time.Second)
	if err := client.EnsureSchema(context.Background(), "Code", SchemaConfig{}); err != nil {
		t.Fatalf("expected already-exists to be tolerated, got %v", err)
	}
}

func TestBatchUpsertPerItemResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batch/objects", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		var req struct {
			Objects []batchObject `json:"objects"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode batch request: %v", err)
		}
		if len(req.Objects) != 2 {
			t.Fatalf("expected 2 objects, got %d", len(req.Objects))
		}
		if req.Objects[0].Class != "Code" {
			t.Errorf("expected class Code, got %q", req.Objects[0].Class)
		}

		resp := []map[string]interface{}{
			{"id": req.Objects[0].ID, "result": map[string]interface{}{"status": "SUCCESS"}},
			{"id": req.Objects[1].ID, "result": map[string]interface{}{
				"status": "FAILED",
				"errors": map[string]interface{}{
					"error": []map[string]interface{}{{"message": "invalid vector length"}},
				},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "secret", 5*time.Second)
	objects := []Object{
		{ID: "id-1", Properties: map[string]interface{}{"path": "a.txt"}, Vector: []float32{0.1}},
		{ID: "id-2", Properties: map[string]interface{}{"path": "b.txt"}, Vector: []float32{0.2}},
	}

	results, err := client.BatchUpsert(context.Background(), "Code", objects)
	if err != nil {
		t.Fatalf("BatchUpsert failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("expected first object to succeed, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("expected second object to fail")
	}
}

func TestBatchUpsertStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("throttled"))
	}))
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "", 5*time.Second)
	_, err := client.BatchUpsert(context.Background(), "Code", []Object{{ID: "id-1"}})
	if err == nil {
		t.Fatal("expected error")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.Code != http.StatusTooManyRequests {
		t.Errorf("expected code 429, got %d", se.Code)
	}
}

func TestBatchDeleteMapsVerboseResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batch/objects", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode delete request: %v", err)
		}
		if req["output"] != "verbose" {
			t.Errorf("expected verbose output, got %v", req["output"])
		}

		resp := map[string]interface{}{
			"results": map[string]interface{}{
				"objects": []map[string]interface{}{
					{"id": "id-1", "status": "SUCCESS"},
					{"id": "id-2", "status": "FAILED", "errors": map[string]interface{}{
						"error": []map[string]interface{}{{"message": "shard down"}},
					}},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "", 5*time.Second)
	results, err := client.BatchDelete(context.Background(), "Code", []string{"id-1", "id-2", "id-3"})
	if err != nil {
		t.Fatalf("BatchDelete failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("expected id-1 to succeed, got %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("expected id-2 to fail")
	}
	// id-3 did not match the filter: already absent, which counts as done.
	if results[2].Err != nil {
		t.Errorf("expected absent id-3 to succeed, got %v", results[2].Err)
	}
}

func TestHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/.well-known/ready" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client := NewWeaviateClient(srv.URL, "", 5*time.Second)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}

	healthy = false
	if err := client.Health(context.Background()); err == nil {
		t.Fatal("expected unhealthy error")
	}
}

func TestNoopClientCounts(t *testing.T) {
	client := NewNoopClient()

	results, err := client.BatchUpsert(context.Background(), "Code", []Object{{ID: "a"}, {ID: "b"}})
	if err != nil {
		t.Fatalf("BatchUpsert failed: %v", err)
	}
	for _, res := range results {
		if res.Err != nil {
			t.Errorf("noop upsert should succeed, got %v", res.Err)
		}
	}

	if _, err := client.BatchDelete(context.Background(), "Code", []string{"a"}); err != nil {
		t.Fatalf("BatchDelete failed: %v", err)
	}

	if got := client.Upserts(); got != 2 {
		t.Errorf("expected 2 upserts, got %d", got)
	}
	if got := client.Deletes(); got != 1 {
		t.Errorf("expected 1 delete, got %d", got)
	}
}

func TestMockClientAppliesState(t *testing.T) {
	mock := NewMockClient()
	mock.FailCalls = 1

	_, err := mock.BatchUpsert(context.Background(), "Code", []Object{{ID: "a"}})
	if err == nil {
		t.Fatal("expected scripted whole-call failure")
	}

	results, err := mock.BatchUpsert(context.Background(), "Code", []Object{{ID: "a"}})
	if err != nil {
		t.Fatalf("second call should succeed, got %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("expected success, got %v", results[0].Err)
	}
	if _, ok := mock.Object("a"); !ok {
		t.Error("expected object a to be stored")
	}

	if _, err := mock.BatchDelete(context.Background(), "Code", []string{"a"}); err != nil {
		t.Fatalf("BatchDelete failed: %v", err)
	}
	if _, ok := mock.Object("a"); ok {
		t.Error("expected object a to be deleted")
	}
}
