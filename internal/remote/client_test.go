package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/auth"
	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/database"
	"github.com/MarcoPoloResearchLab/clipsync/internal/devices"
	"github.com/MarcoPoloResearchLab/clipsync/internal/remotestore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "join-me"

func newStoreServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "store.db"), nil, &remotestore.StoredRecord{}, &devices.Device{})
	require.NoError(t, err)
	dispatcher := server.NewRealtimeDispatcher()
	records, err := remotestore.NewService(remotestore.ServiceConfig{Database: db, Notifier: dispatcher})
	require.NoError(t, err)
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("signing"),
		Issuer:        "clipsync-store",
		Audience:      "clipsync-agent",
	})
	require.NoError(t, err)
	enrollment, err := auth.NewEnrollmentVerifier(testSecret)
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      issuer,
		Enrollment:        enrollment,
		Devices:           registry,
		Records:           records,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, device clip.DeviceID, secret string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:          baseURL,
		DeviceID:         device,
		DeviceClass:      clip.DeviceClassLeaf,
		EnrollmentSecret: secret,
		RequestTimeout:   2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func wireRecord(canonicalID, content string) clip.RemoteRecord {
	return clip.RemoteRecord{
		CanonicalID:        canonicalID,
		Content:            content,
		ContentType:        clip.ContentTypeText,
		ContentHash:        clip.HashString(content),
		CreatedAtMillis:    1000,
		LastModifiedMillis: 1000,
		OriginDevice:       "device-a",
		OriginClass:        clip.DeviceClassLeaf,
	}
}

func TestPushPullDeleteRoundTrip(t *testing.T) {
	srv := newStoreServer(t)
	client := newTestClient(t, srv.URL, "device-a", testSecret)
	ctx := context.Background()

	require.NoError(t, client.Probe(ctx))
	require.NoError(t, client.Push(ctx, wireRecord("c1", "hello")))
	require.NoError(t, client.Push(ctx, wireRecord("c2", "world")))

	records, complete, err := client.PullAll(ctx)
	require.NoError(t, err)
	assert.True(t, complete)
	require.Len(t, records, 2)
	assert.Equal(t, "hello", records[0].Content)

	require.NoError(t, client.Delete(ctx, "c1"))
	require.NoError(t, client.Delete(ctx, "c1"))

	records, _, err = client.PullAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c2", records[0].CanonicalID)
}

func TestUnreachableStoreIsNotConnected(t *testing.T) {
	srv := newStoreServer(t)
	baseURL := srv.URL
	srv.Close()
	client := newTestClient(t, baseURL, "device-a", testSecret)
	ctx := context.Background()

	err := client.Push(ctx, wireRecord("c1", "hello"))
	assert.ErrorIs(t, err, clip.ErrRemoteSave)
	assert.ErrorIs(t, err, clip.ErrNotConnected)

	_, _, err = client.PullAll(ctx)
	assert.ErrorIs(t, err, clip.ErrRemoteFetch)
	assert.ErrorIs(t, err, clip.ErrNotConnected)

	assert.ErrorIs(t, client.Probe(ctx), clip.ErrNotConnected)
}

func TestRejectedEnrollmentIsNotAConnectivityError(t *testing.T) {
	srv := newStoreServer(t)
	client := newTestClient(t, srv.URL, "device-a", "wrong")

	_, _, err := client.PullAll(context.Background())
	assert.ErrorIs(t, err, clip.ErrRemoteFetch)
	assert.False(t, errors.Is(err, clip.ErrNotConnected))
}

func TestExpiredTokenIsRefreshedOnce(t *testing.T) {
	var enrollments atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/device", func(w http.ResponseWriter, r *http.Request) {
		token := "stale"
		if enrollments.Add(1) > 1 {
			token = "fresh"
		}
		_ = json.NewEncoder(w).Encode(authResponse{AccessToken: token, ExpiresIn: 60})
	})
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(listResponse{Complete: true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := newTestClient(t, srv.URL, "device-a", testSecret)

	_, complete, err := client.PullAll(context.Background())
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, int32(2), enrollments.Load())
}

func TestServerErrorsKeepTaxonomy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/device", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authResponse{AccessToken: "token"})
	})
	mux.HandleFunc("/records/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"save_failed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := newTestClient(t, srv.URL, "device-a", testSecret)

	err := client.Push(context.Background(), wireRecord("c1", "x"))
	assert.ErrorIs(t, err, clip.ErrRemoteSave)
	assert.False(t, errors.Is(err, clip.ErrNotConnected))
	assert.Contains(t, err.Error(), "save_failed")

	err = client.Delete(context.Background(), "c1")
	assert.ErrorIs(t, err, clip.ErrRemoteDelete)
}

func TestSubscribeReceivesOtherDevicesChanges(t *testing.T) {
	srv := newStoreServer(t)
	writer := newTestClient(t, srv.URL, "device-a", testSecret)
	reader := newTestClient(t, srv.URL, "device-b", testSecret)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := reader.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.Push(ctx, wireRecord("c7", "shared")))

	select {
	case change, ok := <-changes:
		require.True(t, ok)
		assert.Equal(t, clip.ChangePut, change.Kind)
		assert.Equal(t, "c7", change.CanonicalID)
		assert.Equal(t, clip.DeviceID("device-a"), change.Device)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification")
	}

	cancel()
	select {
	case _, ok := <-changes:
		for ok {
			_, ok = <-changes
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the stream to close after cancellation")
	}
}

func TestReadEventsParsesChangeFrames(t *testing.T) {
	stream := strings.Join([]string{
		"event:ready",
		`data:{"device":"device-b"}`,
		"",
		": comment",
		"event: change",
		`data: {"kind":"delete","canonical_id":"c1","device":"device-a"}`,
		"",
		"event:heartbeat",
		`data:{"at_ms":1}`,
		"",
	}, "\n") + "\n"
	out := make(chan clip.Change, 4)

	err := readEvents(context.Background(), bufio.NewScanner(strings.NewReader(stream)), out)
	require.NoError(t, err)
	close(out)

	var received []clip.Change
	for change := range out {
		received = append(received, change)
	}
	require.Len(t, received, 1)
	assert.Equal(t, clip.ChangeDelete, received[0].Kind)
	assert.Equal(t, "c1", received[0].CanonicalID)
}
