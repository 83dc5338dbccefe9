package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSucceedsWhenDatabaseExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/habitat", r.URL.Path)
		assert.Contains(t, r.Header.Get("User-Agent"), "habitat/")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestOpenFailsWhenDatabaseMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
}

func TestSaveReturnsRevision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut:
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "listener_telemetry", body["type"])
			_ = json.NewEncoder(w).Encode(map[string]string{"ok": "true", "rev": "1-abc"})
		}
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)

	rev, err := c.Save(context.Background(), "somedocid", map[string]interface{}{"type": "listener_telemetry"})
	require.NoError(t, err)
	assert.Equal(t, "1-abc", rev)
}

func TestSaveReturnsConflictAsErrConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)

	_, err = c.Save(context.Background(), "docid", map[string]string{"a": "b"})
	require.Error(t, err)
	var conflict *ErrConflict
	assert.True(t, errors.As(err, &conflict))
}

func TestCreateReturnsServerAssignedID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost:
			assert.Equal(t, "/habitat", r.URL.Path)
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "listener_telemetry", body["type"])
			_ = json.NewEncoder(w).Encode(map[string]string{"ok": "true", "id": "server-assigned-id", "rev": "1-abc"})
		}
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)

	id, rev, err := c.Create(context.Background(), map[string]interface{}{"type": "listener_telemetry"})
	require.NoError(t, err)
	assert.Equal(t, "server-assigned-id", id)
	assert.Equal(t, "1-abc", rev)
}

func TestCreateTwiceYieldsDistinctIDs(t *testing.T) {
	var n int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		n++
		_ = json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("id-%d", n), "rev": "1-abc"})
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)

	// Two documents minted within the same wall-clock second must still
	// get distinct ids — the store assigns them, the client never
	// derives one from caller-visible fields that could collide.
	id1, _, err := c.Create(context.Background(), map[string]interface{}{"type": "listener_telemetry"})
	require.NoError(t, err)
	id2, _, err := c.Create(context.Background(), map[string]interface{}{"type": "listener_information"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestPutUpdateMergesViaHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "/habitat/_design/payload_telemetry/_update/add_listener/docid123", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"rev": "2-def"})
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)

	rev, err := c.PutUpdate(context.Background(), "payload_telemetry", "add_listener", "docid123", map[string]string{"callsign": "M0ABC"})
	require.NoError(t, err)
	assert.Equal(t, "2-def", rev)
}

func TestViewReturnsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/habitat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "/habitat/_design/payload_telemetry/_view/by_raw", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("include_docs"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"rows": []map[string]interface{}{
				{"id": "abc123", "key": "abc123", "doc": map[string]string{"type": "payload_telemetry"}},
			},
		})
	}))
	defer srv.Close()

	c, err := Open(context.Background(), srv.Client(), srv.URL, "habitat")
	require.NoError(t, err)

	rows, err := c.View(context.Background(), "payload_telemetry", "by_raw", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc123", rows[0].ID)
}
