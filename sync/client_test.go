package sync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmstack/ledger-engine/ledger"
	"github.com/pharmstack/ledger-engine/sync"
)

// =============================================================================
// PUSH
// =============================================================================

func TestClient_Push_SendsBatchWithAuth(t *testing.T) {
	// GIVEN: a server capturing the request
	// WHEN: pushing a batch
	// THEN: POST /sync/push, bearer token, JSON body keyed by entity kind

	var gotAuth, gotPath, gotContentType string
	var gotBody map[string][]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(sync.PushResponse{
			Synced: map[ledger.EntityKind]map[string]ledger.RemoteID{
				ledger.KindProduct: {"p-1": "srv-1"},
			},
		})
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "token-123", time.Second)
	resp, err := client.Push(context.Background(), map[ledger.EntityKind][]json.RawMessage{
		ledger.KindProduct: {json.RawMessage(`{"localId":"p-1"}`)},
	})

	require.NoError(t, err)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, "/sync/push", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Len(t, gotBody["products"], 1)

	id, ok := resp.RemoteID(ledger.KindProduct, "p-1")
	require.True(t, ok)
	assert.Equal(t, ledger.RemoteID("srv-1"), id)
}

func TestClient_Push_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "expired", time.Second)
	_, err := client.Push(context.Background(), nil)

	assert.ErrorIs(t, err, ledger.ErrSessionExpired)
}

func TestClient_Push_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kaboom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	_, err := client.Push(context.Background(), nil)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrSessionExpired)
}

func TestClient_Push_LegacyErrorStringsClassified(t *testing.T) {
	// Older servers report only bare error strings; insufficient-stock messages
	// are still recognized so the rollback path works against them.

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sync.PushResponse{
			Errors: []string{"Insufficient stock for Amoxicillin 500mg"},
		})
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	resp, err := client.Push(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, resp.Rejections, 1)
	assert.Equal(t, sync.RejectInsufficientStock, resp.Rejections[0].Code)
}

func TestClient_Push_StructuredRejectionsNotReclassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sync.PushResponse{
			Rejections: []sync.Rejection{{LocalID: "s-1", Code: sync.RejectConflict}},
			Errors:     []string{"insufficient stock somewhere"},
		})
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	resp, err := client.Push(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, resp.Rejections, 1)
	assert.Equal(t, sync.RejectConflict, resp.Rejections[0].Code)
}

// =============================================================================
// PULL
// =============================================================================

func TestClient_Pull_CursorInQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("lastSyncAt")
		json.NewEncoder(w).Encode(sync.PullResponse{Success: true, ServerTime: time.Now().UTC()})
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	since := time.Date(2026, time.May, 30, 8, 15, 0, 123456789, time.UTC)

	_, err := client.Pull(context.Background(), &since)

	require.NoError(t, err)
	parsed, perr := time.Parse(time.RFC3339Nano, gotQuery)
	require.NoError(t, perr)
	assert.True(t, parsed.Equal(since), "sub-second precision must survive the wire")
}

func TestClient_Pull_NoCursorOnFirstSync(t *testing.T) {
	var hadParam bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hadParam = r.URL.Query().Has("lastSyncAt")
		json.NewEncoder(w).Encode(sync.PullResponse{Success: true, ServerTime: time.Now().UTC()})
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	_, err := client.Pull(context.Background(), nil)

	require.NoError(t, err)
	assert.False(t, hadParam)
}

func TestClient_Pull_DecodesDataAndIgnoresCreditPayments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"success": true,
			"serverTime": "2026-06-01T12:00:00Z",
			"data": {
				"products": [{"id":"srv-1","name":"Ibuprofen","sellPrice":"90","buyPrice":"60","stock":12,"minStock":3,"updatedAt":"2026-06-01T11:00:00Z"}],
				"creditPayments": [{"id":"cp-1","amount":"40"}]
			}
		}`))
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	resp, err := client.Pull(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, resp.Data.Products, 1)
	assert.Equal(t, ledger.RemoteID("srv-1"), resp.Data.Products[0].ID)
	assert.Equal(t, 12, resp.Data.Products[0].Stock)
	assert.Len(t, resp.Data.CreditPayments, 1, "accepted on the wire, never merged")
}

func TestClient_Pull_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	_, err := client.Pull(context.Background(), nil)

	assert.ErrorIs(t, err, ledger.ErrSessionExpired)
}

func TestClient_Pull_UnsuccessfulBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sync.PullResponse{Success: false})
	}))
	defer srv.Close()

	client := sync.NewClient(srv.URL, "", time.Second)
	_, err := client.Pull(context.Background(), nil)

	assert.Error(t, err)
}
