package rideworker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, origin string, host *HostSurfaces) *Service {
	t.Helper()
	cfg := testConfig(t, origin)
	cfg.Storage.Path = t.TempDir()
	svc, err := NewService(cfg, zap.NewNop(), host)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func deadOrigin() string {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := origin.URL
	origin.Close()
	return url
}

func TestInterceptServesStaticFromStore(t *testing.T) {
	var calls atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("body{}"))
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	h := svc.Handler()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/css/app.css", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "body{}", rec.Body.String())
		require.Equal(t, "static", rec.Header().Get("X-Rideworker"))
	}
	require.EqualValues(t, 1, calls.Load(), "second request must be a cache hit")
}

func TestInterceptOfflineFallbackForNavigation(t *testing.T) {
	svc := newTestService(t, deadOrigin(), nil)

	req := httptest.NewRequest(http.MethodGet, "/about", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["offline"])
}

func TestInterceptAPIFailureWithoutEntryIsBadGateway(t *testing.T) {
	svc := newTestService(t, deadOrigin(), nil)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bookings", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOfflineMutationIsQueuedWithSyncTag(t *testing.T) {
	svc := newTestService(t, deadOrigin(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/bookings", strings.NewReader(`{"rideId":"r-7"}`))
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["queued"])
	require.Equal(t, SyncTagBookings, body["tag"])

	pending, err := svc.queue.Pending(TaskBooking)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.JSONEq(t, `{"rideId":"r-7"}`, string(pending[0].Payload))
	require.Equal(t, "tok-123", pending[0].AuthToken)
}

func TestOversizedMutationIsRejectedNotTruncated(t *testing.T) {
	svc := newTestService(t, deadOrigin(), nil)

	body := bytes.NewReader(make([]byte, maxMutationBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/api/bookings", body)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	pending, err := svc.queue.Pending(TaskBooking)
	require.NoError(t, err)
	require.Empty(t, pending, "a truncated payload must never be queued")
}

func TestOnlineMutationPassesThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"bk-1"}`))
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/bookings", strings.NewReader(`{"rideId":"r-7"}`))
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	pending, err := svc.queue.Pending(TaskBooking)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPushEndpointDispatchesNotification(t *testing.T) {
	notifier := &fakeNotifier{}
	svc := newTestService(t, deadOrigin(), &HostSurfaces{Notifier: notifier, Windows: &fakeRegistry{}})

	req := httptest.NewRequest(http.MethodPost, "/worker/push", strings.NewReader(`{"body":"Driver en route","data":{"type":"booking"}}`))
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, notifier.shown, 1)
	require.Equal(t, "Driver en route", notifier.shown[0].Body)
	require.Equal(t, "Ride Update", notifier.shown[0].Title)
}

func TestChannelCleanupMessageTrimsDynamicStore(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	for i := 0; i < 60; i++ {
		require.NoError(t, svc.store.Put(svc.cfg.DynamicStore(), fmt.Sprintf("/api/r/%02d", i), entry("x")))
	}

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/worker/channel"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// unrecognized messages are ignored, then the maintenance pass runs
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "BOGUS"}))
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "CLEANUP_CACHE"}))

	require.Eventually(t, func() bool {
		return svc.store.Len(svc.cfg.DynamicStore()) == 50
	}, 3*time.Second, 20*time.Millisecond)
}

func TestChannelSyncTriggerDrainsQueue(t *testing.T) {
	var submissions atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			submissions.Add(1)
		}
	}))
	defer origin.Close()

	svc := newTestService(t, origin.URL, nil)
	_, err := svc.queue.Enqueue(SyncTask{Kind: TaskBooking, Payload: []byte(`{}`)})
	require.NoError(t, err)

	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/worker/channel"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "SYNC", "tag": SyncTagBookings}))

	require.Eventually(t, func() bool {
		pending, err := svc.queue.Pending(TaskBooking)
		return err == nil && len(pending) == 0 && submissions.Load() == 1
	}, 3*time.Second, 20*time.Millisecond)
}
