// Package envoirpc is a thin client for the envoi-server Test RPC surface
// consumed from inside the sandbox (spec.md §6): schema discovery, session
// lifecycle, and leaf test path extraction. It supplements the distilled
// spec — evaluation itself runs as a Python snippet inside the sandbox via
// evalscheduler's embedded driver script, but the Turn Loop and Evaluation
// Scheduler still need to know which leaf test paths exist (for example, to
// validate an EVALUATION_TEST_PATH override before scheduling a run).
package envoirpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Capabilities describes what the remote test server supports.
type Capabilities struct {
	RequiresSession bool   `json:"requires_session"`
	HasTeardown     bool   `json:"has_teardown"`
	HandlerMode     string `json:"handler_mode"`
}

// TestMetadata describes one leaf test path's parameter schema and
// human-readable description.
type TestMetadata struct {
	ParamsSchema json.RawMessage `json:"params_schema"`
	Description  string          `json:"description"`
}

// Schema is the decoded shape of a GET /schema response.
type Schema struct {
	SchemaVersion string                  `json:"schema_version"`
	Capabilities  Capabilities            `json:"capabilities"`
	Tests         []string                `json:"tests"`
	TestMetadata  map[string]TestMetadata `json:"test_metadata"`
}

// schemaValidationDoc is the JSON Schema the envoi /schema response itself
// must satisfy, used to fail fast on a malformed server rather than
// discovering it mid-evaluation.
const schemaValidationDoc = `{
  "type": "object",
  "required": ["schema_version", "capabilities", "tests"],
  "properties": {
    "schema_version": {"type": "string"},
    "capabilities": {
      "type": "object",
      "properties": {
        "requires_session": {"type": "boolean"},
        "has_teardown": {"type": "boolean"},
        "handler_mode": {"type": "string"}
      }
    },
    "tests": {"type": "array", "items": {"type": "string"}},
    "test_metadata": {"type": "object"}
  }
}`

// Client is a minimal HTTP client for the envoi Test RPC surface. It is
// intentionally bare: the sandbox-side test driver used by evalscheduler
// talks to envoi-server via the Python `envoi` package directly, so this
// client only covers the discovery and session-management calls the Go side
// needs on its own.
type Client struct {
	baseURL string
	http    *http.Client
	schema  *jsonschema.Schema
}

// New constructs a Client against baseURL (for example
// "http://localhost:8000"). httpClient may be nil, in which case a client
// with a 30 second timeout is used.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var doc any
	if err := json.Unmarshal([]byte(schemaValidationDoc), &doc); err != nil {
		return nil, fmt.Errorf("envoirpc: unmarshal schema validation document: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envoi-schema.json", doc); err != nil {
		return nil, fmt.Errorf("envoirpc: add schema resource: %w", err)
	}
	compiled, err := compiler.Compile("envoi-schema.json")
	if err != nil {
		return nil, fmt.Errorf("envoirpc: compile schema: %w", err)
	}
	return &Client{baseURL: baseURL, http: httpClient, schema: compiled}, nil
}

// FetchSchema issues GET /schema, validates the response against the
// expected shape, and decodes it into a Schema.
func (c *Client) FetchSchema(ctx context.Context) (*Schema, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/schema", nil)
	if err != nil {
		return nil, fmt.Errorf("envoirpc: build schema request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("envoirpc: fetch schema: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("envoirpc: read schema response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("envoirpc: schema request status %d: %s", resp.StatusCode, string(body))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("envoirpc: unmarshal schema body: %w", err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("envoirpc: schema response failed validation: %w", err)
	}

	var schema Schema
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, fmt.Errorf("envoirpc: decode schema body: %w", err)
	}
	return &schema, nil
}

// CreateSession issues POST /session with a multipart submission archive and
// params, returning the server-assigned session id.
func (c *Client) CreateSession(ctx context.Context, submissionTarGz []byte, params json.RawMessage) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	filePart, err := writer.CreateFormFile("submission", "submission.tar.gz")
	if err != nil {
		return "", fmt.Errorf("envoirpc: create submission part: %w", err)
	}
	if _, err := filePart.Write(submissionTarGz); err != nil {
		return "", fmt.Errorf("envoirpc: write submission part: %w", err)
	}
	if err := writer.WriteField("params", string(params)); err != nil {
		return "", fmt.Errorf("envoirpc: write params part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("envoirpc: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", &body)
	if err != nil {
		return "", fmt.Errorf("envoirpc: build session request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("envoirpc: create session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("envoirpc: decode session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("envoirpc: session request status %d", resp.StatusCode)
	}
	return result.SessionID, nil
}

// CloseSession issues DELETE /session/<id>.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/session/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("envoirpc: build close-session request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("envoirpc: close session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("envoirpc: close-session status %d", resp.StatusCode)
	}
	return nil
}

// ExtractLeafPaths returns the sorted leaf test paths named by a Schema,
// matching evaluation.py's extract_leaf_paths for the flat envoi format
// (schema.tests is the source of truth; nested children/suites trees are not
// produced by envoi-server and are not handled here).
func ExtractLeafPaths(schema *Schema) []string {
	if schema == nil {
		return nil
	}
	leaves := make([]string, 0, len(schema.Tests))
	for _, t := range schema.Tests {
		if t != "" {
			leaves = append(leaves, t)
		}
	}
	sort.Strings(leaves)
	return leaves
}
