package vstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// WeaviateClient talks to a Weaviate-compatible REST API. It implements
// Client and is stateless apart from the underlying connection pool, so one
// instance is safe to share across workers.
type WeaviateClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// NewWeaviateClient returns a client for the store at baseURL. The timeout
// bounds every call end to end; zero selects a 30s default. An empty apiKey
// disables the Authorization header for unauthenticated deployments.
func NewWeaviateClient(baseURL, apiKey string, timeout time.Duration) *WeaviateClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &WeaviateClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
	}
}

// do sends one JSON request and returns the status code and raw body.
// Transport-level failures return a nil body and the underlying error.
func (c *WeaviateClient) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close() // Ignore close error after read
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// EnsureSchema creates the collection if it does not exist yet.
//
// The collection is created with vectorizer "none" because the pipeline
// supplies vectors explicitly, and with a fixed property set matching the
// objects BatchUpsert writes. Losing the create race to another process is
// tolerated.
func (c *WeaviateClient) EnsureSchema(ctx context.Context, collection string, cfg SchemaConfig) error {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/schema/"+url.PathEscape(collection), nil)
	if err != nil {
		return fmt.Errorf("failed to describe collection %q: %w", collection, err)
	}
	if status == http.StatusOK {
		return nil
	}
	if status != http.StatusNotFound {
		return &StatusError{Code: status, Body: truncateBody(body)}
	}

	class := map[string]interface{}{
		"class":      collection,
		"vectorizer": "none",
		"properties": []map[string]interface{}{
			{"name": "repo", "dataType": []string{"text"}},
			{"name": "path", "dataType": []string{"text"}},
			{"name": "content", "dataType": []string{"text"}},
			{"name": "mime", "dataType": []string{"text"}},
			{"name": "size_bytes", "dataType": []string{"int"}},
			{"name": "updated_at", "dataType": []string{"date"}},
		},
	}
	if cfg.Description != "" {
		class["description"] = cfg.Description
	}
	if cfg.ReplicationFactor > 0 {
		class["replicationConfig"] = map[string]interface{}{
			"factor": cfg.ReplicationFactor,
		}
	}

	status, body, err = c.do(ctx, http.MethodPost, "/v1/schema", class)
	if err != nil {
		return fmt.Errorf("failed to create collection %q: %w", collection, err)
	}
	if status == http.StatusOK {
		return nil
	}
	// Another process created it between the describe and the create.
	if status == http.StatusUnprocessableEntity && strings.Contains(string(body), "already exists") {
		return nil
	}
	return &StatusError{Code: status, Body: truncateBody(body)}
}

// batchObject is the wire form of one object in a batch write.
type batchObject struct {
	Class      string                 `json:"class"`
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	Vector     []float32              `json:"vector,omitempty"`
}

// batchResponseItem is the per-object result in a batch write response.
type batchResponseItem struct {
	ID     string `json:"id"`
	Result struct {
		Status string `json:"status"`
		Errors *struct {
			Error []struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"errors"`
	} `json:"result"`
}

// BatchUpsert writes objects in one call. When the call is delivered the
// returned slice has one entry per input object in input order.
func (c *WeaviateClient) BatchUpsert(ctx context.Context, collection string, objects []Object) ([]Result, error) {
	if len(objects) == 0 {
		return nil, nil
	}

	payload := make([]batchObject, len(objects))
	for i, obj := range objects {
		payload[i] = batchObject{
			Class:      collection,
			ID:         obj.ID,
			Properties: obj.Properties,
			Vector:     obj.Vector,
		}
	}

	status, body, err := c.do(ctx, http.MethodPost, "/v1/batch/objects", map[string]interface{}{"objects": payload})
	if err != nil {
		return nil, fmt.Errorf("batch upsert failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Body: truncateBody(body)}
	}

	var items []batchResponseItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}

	failures := make(map[string]error)
	for _, it := range items {
		if it.Result.Errors != nil && len(it.Result.Errors.Error) > 0 {
			failures[it.ID] = fmt.Errorf("object %s rejected: %s", it.ID, it.Result.Errors.Error[0].Message)
		} else if strings.EqualFold(it.Result.Status, "failed") {
			failures[it.ID] = fmt.Errorf("object %s rejected", it.ID)
		}
	}

	results := make([]Result, len(objects))
	for i, obj := range objects {
		results[i] = Result{ID: obj.ID, Err: failures[obj.ID]}
	}
	return results, nil
}

// batchDeleteResponse is the verbose-output shape of a batch delete.
type batchDeleteResponse struct {
	Results struct {
		Objects []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Errors *struct {
				Error []struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"errors"`
		} `json:"objects"`
	} `json:"results"`
}

// BatchDelete removes ids in one call. Identifiers that do not exist simply
// do not match the filter and count as successes, which gives the
// delete-if-exists semantics the pipeline relies on for replayed deletes.
func (c *WeaviateClient) BatchDelete(ctx context.Context, collection string, ids []string) ([]Result, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	body := map[string]interface{}{
		"match": map[string]interface{}{
			"class": collection,
			"where": map[string]interface{}{
				"path":           []string{"id"},
				"operator":       "ContainsAny",
				"valueTextArray": ids,
			},
		},
		"output": "verbose",
	}

	status, respBody, err := c.do(ctx, http.MethodDelete, "/v1/batch/objects", body)
	if err != nil {
		return nil, fmt.Errorf("batch delete failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{Code: status, Body: truncateBody(respBody)}
	}

	var parsed batchDeleteResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode delete response: %w", err)
	}

	failures := make(map[string]error)
	for _, obj := range parsed.Results.Objects {
		if strings.EqualFold(obj.Status, "failed") {
			msg := "delete rejected"
			if obj.Errors != nil && len(obj.Errors.Error) > 0 {
				msg = obj.Errors.Error[0].Message
			}
			failures[obj.ID] = fmt.Errorf("object %s: %s", obj.ID, msg)
		}
	}

	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i] = Result{ID: id, Err: failures[id]}
	}
	return results, nil
}

// Health checks the store's readiness endpoint.
func (c *WeaviateClient) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/v1/.well-known/ready", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return &StatusError{Code: status, Body: truncateBody(body)}
	}
	return nil
}

// truncateBody keeps error bodies short enough to log.
func truncateBody(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
