package snapshot_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docrelay/docrelay/pkg/document"
	"github.com/docrelay/docrelay/pkg/snapshot"
	"github.com/docrelay/docrelay/pkg/snapshotsrv"
)

func testServer(t *testing.T, saveRate float64, saveBurst int) *httptest.Server {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := snapshotsrv.NewStore(db)
	require.NoError(t, store.Init())
	r := mux.NewRouter()
	snapshotsrv.NewService(store, saveRate, saveBurst).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, srv *httptest.Server, online func() bool) *snapshot.Client {
	t.Helper()
	baseURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return snapshot.NewClient(baseURL, srv.Client(), online)
}

func req(opID string, base int64, text string) snapshot.SaveRequest {
	return snapshot.SaveRequest{
		Content:         document.Content{Blocks: []document.Block{{ID: "b1", Kind: "paragraph", Text: text}}},
		BaseVersion:     base,
		OpID:            opID,
		ClientTimestamp: time.Now().UTC(),
		UpdatedBy:       "tester",
	}
}

func TestClient_SaveAndLoad(t *testing.T) {
	srv := testServer(t, 0, 0)
	client := testClient(t, srv, nil)
	ctx := context.Background()

	outcome := client.Save(ctx, "doc1", req("op1", 0, "hello"))
	require.Equal(t, snapshot.StatusOK, outcome.Status)
	assert.Equal(t, int64(1), outcome.NewVersion)

	snap, err := client.Load(ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "hello", snap.Content.Blocks[0].Text)
}

func TestClient_LoadMissingIsNil(t *testing.T) {
	srv := testServer(t, 0, 0)
	client := testClient(t, srv, nil)
	snap, err := client.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestClient_ConflictOutcome(t *testing.T) {
	srv := testServer(t, 0, 0)
	client := testClient(t, srv, nil)
	ctx := context.Background()

	require.Equal(t, snapshot.StatusOK, client.Save(ctx, "doc1", req("op1", 0, "first")).Status)

	outcome := client.Save(ctx, "doc1", req("op2", 0, "stale"))
	require.Equal(t, snapshot.StatusConflict, outcome.Status)
	require.NotNil(t, outcome.Conflict)
	assert.Equal(t, int64(1), outcome.Conflict.LatestVersion)
	assert.Equal(t, int64(0), outcome.Conflict.YourBaseVersion)
	assert.Equal(t, "first", outcome.Conflict.LatestContent.Blocks[0].Text)
}

func TestClient_RateLimitedOutcome(t *testing.T) {
	srv := testServer(t, 0.001, 1)
	client := testClient(t, srv, nil)
	ctx := context.Background()

	require.Equal(t, snapshot.StatusOK, client.Save(ctx, "doc1", req("op1", 0, "a")).Status)

	outcome := client.Save(ctx, "doc1", req("op2", 1, "b"))
	require.Equal(t, snapshot.StatusRateLimited, outcome.Status)
	assert.Equal(t, time.Second, outcome.RetryAfter)
}

func TestClient_OfflineShortCircuits(t *testing.T) {
	srv := testServer(t, 0, 0)
	client := testClient(t, srv, func() bool { return false })
	outcome := client.Save(context.Background(), "doc1", req("op1", 0, "a"))
	assert.Equal(t, snapshot.StatusOffline, outcome.Status)
}

func TestClient_TransientOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	client := testClient(t, srv, nil)
	outcome := client.Save(context.Background(), "doc1", req("op1", 0, "a"))
	assert.Equal(t, snapshot.StatusTransient, outcome.Status)
	assert.Error(t, outcome.Err)
}

func TestClient_IdempotentSaveViaHTTP(t *testing.T) {
	srv := testServer(t, 0, 0)
	client := testClient(t, srv, nil)
	ctx := context.Background()

	first := client.Save(ctx, "doc1", req("op1", 0, "hello"))
	require.Equal(t, snapshot.StatusOK, first.Status)
	second := client.Save(ctx, "doc1", req("op1", 0, "hello"))
	require.Equal(t, snapshot.StatusOK, second.Status)
	assert.Equal(t, first.NewVersion, second.NewVersion)
}
