package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/auth"
	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/database"
	"github.com/MarcoPoloResearchLab/clipsync/internal/devices"
	"github.com/MarcoPoloResearchLab/clipsync/internal/remotestore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testEnrollmentSecret = "join-me"

type testServer struct {
	server     *httptest.Server
	dispatcher *RealtimeDispatcher
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "store.db"), nil, &remotestore.StoredRecord{}, &devices.Device{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	records, err := remotestore.NewService(remotestore.ServiceConfig{Database: db, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("failed to build record service: %v", err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "clipsync-store",
		Audience:      "clipsync-agent",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	enrollment, err := auth.NewEnrollmentVerifier(testEnrollmentSecret)
	if err != nil {
		t.Fatalf("failed to build enrollment verifier: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      issuer,
		Enrollment:        enrollment,
		Devices:           registry,
		Records:           records,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testServer{server: server, dispatcher: dispatcher}
}

func (s testServer) enroll(t *testing.T, deviceID, secret string) (int, string) {
	t.Helper()
	body, _ := json.Marshal(authRequestPayload{DeviceID: deviceID, Class: "leaf", EnrollmentSecret: secret})
	response, err := http.Post(s.server.URL+"/auth/device", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("auth request failed: %v", err)
	}
	defer response.Body.Close()
	var payload authResponsePayload
	_ = json.NewDecoder(response.Body).Decode(&payload)
	return response.StatusCode, payload.AccessToken
}

func (s testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func TestDeviceAuthRequiresEnrollmentSecret(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.enroll(t, "device-a", "wrong")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", status)
	}
	status, token := s.enroll(t, "device-a", testEnrollmentSecret)
	if status != http.StatusOK || token == "" {
		t.Fatalf("expected token, got status %d", status)
	}

	response := s.do(t, http.MethodGet, "/records", "", nil)
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestServer(t)
	_, token := s.enroll(t, "device-a", testEnrollmentSecret)

	record := clip.RemoteRecord{
		Content:            "hello",
		ContentType:        clip.ContentTypeText,
		ContentHash:        clip.HashString("hello"),
		CreatedAtMillis:    1000,
		LastModifiedMillis: 1000,
		OriginDevice:       "device-a",
		OriginClass:        clip.DeviceClassLeaf,
	}
	response := s.do(t, http.MethodPut, "/records/canonical-1", token, record)
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on put, got %d", response.StatusCode)
	}

	response = s.do(t, http.MethodGet, "/records", token, nil)
	var listed recordsResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&listed); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	response.Body.Close()
	if !listed.Complete || len(listed.Records) != 1 || listed.Records[0].CanonicalID != "canonical-1" {
		t.Fatalf("unexpected list payload %+v", listed)
	}

	for attempt := 0; attempt < 2; attempt++ {
		response = s.do(t, http.MethodDelete, "/records/canonical-1", token, nil)
		var deleted deleteResponsePayload
		_ = json.NewDecoder(response.Body).Decode(&deleted)
		response.Body.Close()
		if response.StatusCode != http.StatusOK {
			t.Fatalf("delete attempt %d returned %d", attempt, response.StatusCode)
		}
		if deleted.Deleted != (attempt == 0) {
			t.Fatalf("delete attempt %d reported deleted=%v", attempt, deleted.Deleted)
		}
	}
}

func TestPutRejectsMismatchedCanonicalID(t *testing.T) {
	s := newTestServer(t)
	_, token := s.enroll(t, "device-a", testEnrollmentSecret)

	response := s.do(t, http.MethodPut, "/records/canonical-1", token, clip.RemoteRecord{
		CanonicalID: "canonical-2",
		Content:     "x",
		ContentType: clip.ContentTypeText,
	})
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
}

func TestEventsStreamDeliversChangesFromOtherDevices(t *testing.T) {
	s := newTestServer(t)
	_, tokenA := s.enroll(t, "device-a", testEnrollmentSecret)
	_, tokenB := s.enroll(t, "device-b", testEnrollmentSecret)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/events?access_token="+tokenB, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	stream, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer stream.Body.Close()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status %d", stream.StatusCode)
	}
	reader := bufio.NewReader(stream.Body)
	waitForEvent(t, reader, eventReady)

	response := s.do(t, http.MethodPut, "/records/canonical-9", tokenA, clip.RemoteRecord{
		Content:     "from a",
		ContentType: clip.ContentTypeText,
	})
	response.Body.Close()

	data := waitForEvent(t, reader, eventChange)
	var change clip.Change
	if err := json.Unmarshal([]byte(data), &change); err != nil {
		t.Fatalf("failed to decode change %q: %v", data, err)
	}
	if change.CanonicalID != "canonical-9" || change.Device != "device-a" {
		t.Fatalf("unexpected change %+v", change)
	}
}

func waitForEvent(t *testing.T, reader *bufio.Reader, name string) string {
	t.Helper()
	type result struct {
		data string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		event := ""
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				done <- result{err: err}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && event == name:
				done <- result{data: strings.TrimSpace(strings.TrimPrefix(line, "data:"))}
				return
			}
		}
	}()
	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("stream ended before %s event: %v", name, got.err)
		}
		return got.data
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", name)
		return ""
	}
}
