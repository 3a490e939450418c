package envoirpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchSchemaDecodesValidResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/schema", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"schema_version": "1",
			"capabilities": {"requires_session": true, "has_teardown": false, "handler_mode": "async_only"},
			"tests": ["basics", "wacct"],
			"test_metadata": {"basics": {"description": "basic checks"}}
		}`))
	}))
	defer server.Close()

	client, err := New(server.URL, nil)
	require.NoError(t, err)

	schema, err := client.FetchSchema(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", schema.SchemaVersion)
	require.True(t, schema.Capabilities.RequiresSession)
	require.Equal(t, "async_only", schema.Capabilities.HandlerMode)
	require.ElementsMatch(t, []string{"basics", "wacct"}, schema.Tests)
}

func TestFetchSchemaRejectsMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"capabilities": {}}`))
	}))
	defer server.Close()

	client, err := New(server.URL, nil)
	require.NoError(t, err)

	_, err = client.FetchSchema(context.Background())
	require.Error(t, err)
}

func TestFetchSchemaPropagatesNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client, err := New(server.URL, nil)
	require.NoError(t, err)

	_, err = client.FetchSchema(context.Background())
	require.Error(t, err)
}

func TestCreateSessionSendsMultipartSubmission(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/session", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, _, err := r.FormFile("submission")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		contents, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, "tarball-bytes", string(contents))
		require.Equal(t, `{"seed":1}`, r.FormValue("params"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"session_id": "sess-42"}`))
	}))
	defer server.Close()

	client, err := New(server.URL, nil)
	require.NoError(t, err)

	id, err := client.CreateSession(context.Background(), []byte("tarball-bytes"), json.RawMessage(`{"seed":1}`))
	require.NoError(t, err)
	require.Equal(t, "sess-42", id)
}

func TestCloseSessionSendsDelete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/session/sess-42", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := New(server.URL, nil)
	require.NoError(t, err)

	err = client.CloseSession(context.Background(), "sess-42")
	require.NoError(t, err)
}

func TestExtractLeafPathsSortsAndSkipsEmpty(t *testing.T) {
	schema := &Schema{Tests: []string{"wacct", "", "basics"}}
	require.Equal(t, []string{"basics", "wacct"}, ExtractLeafPaths(schema))
}

func TestExtractLeafPathsHandlesNilSchema(t *testing.T) {
	require.Nil(t, ExtractLeafPaths(nil))
}
