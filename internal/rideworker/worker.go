package rideworker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxMutationBytes bounds a queueable mutation payload; larger bodies are
// rejected outright rather than truncated into the queue.
const maxMutationBytes = 1 << 20

// HostSurfaces are the host environment's delivery surfaces. Leave nil to
// back them with the websocket control channel.
type HostSurfaces struct {
	Notifier Notifier
	Windows  WindowRegistry
}

// Service is the intercepting worker: every request from the page passes
// through Handler, gets classified, and is resolved by one of the three
// caching strategies. The Service exclusively owns the durable stores and
// the offline mutation queue.
type Service struct {
	cfg Config
	log *zap.Logger

	store      *Store
	classifier *Classifier
	strategies *Strategies
	lifecycle  *Lifecycle
	queue      *Queue
	dispatcher *Dispatcher
	hub        *Hub
	client     *http.Client
}

func NewService(cfg Config, log *zap.Logger, host *HostSurfaces) (*Service, error) {
	RegisterMetrics()

	store, err := OpenStore(cfg.Storage.Path, log)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	hub := newHub(log)

	s := &Service{
		cfg:        cfg,
		log:        log,
		store:      store,
		classifier: NewClassifier(cfg),
		client:     client,
		hub:        hub,
	}
	s.strategies = newStrategies(cfg, store, client, log)
	s.lifecycle = newLifecycle(cfg, store, s.strategies, log)
	s.lifecycle.onWaiting = func() {
		hub.Broadcast(channelMessage{Type: msgUpdateAvailable, Version: cfg.Worker.Version})
	}
	s.queue = newQueue(store, &httpSubmitter{client: client, origin: cfg.Server.Origin, cfg: cfg}, log)

	notifier := Notifier(&hubNotifier{hub: hub})
	windows := WindowRegistry(&hubWindows{hub: hub, log: log})
	if host != nil {
		if host.Notifier != nil {
			notifier = host.Notifier
		}
		if host.Windows != nil {
			windows = host.Windows
		}
	}
	s.dispatcher = newDispatcher(cfg.Notify, notifier, windows, log)

	return s, nil
}

// Start runs the install/activate lifecycle. Call before serving.
func (s *Service) Start(ctx context.Context) error {
	return s.lifecycle.Start(ctx)
}

func (s *Service) Close() {
	s.strategies.Close()
	if err := s.store.Close(); err != nil {
		s.log.Warn("store close", zap.Error(err))
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/worker/channel", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(w, r, s.onChannelMessage)
	})
	mux.HandleFunc("/worker/push", s.handlePush)
	mux.HandleFunc("/", s.intercept)
	return mux
}

func (s *Service) onChannelMessage(ctx context.Context, c *hubConn, msg channelMessage) {
	switch msg.Type {
	case msgSkipWaiting:
		if err := s.lifecycle.SkipWaiting(ctx); err != nil {
			s.log.Warn("skip waiting", zap.Error(err))
		}
	case msgCleanupCache:
		evicted, err := s.store.TrimFIFO(s.cfg.DynamicStore(), s.cfg.Dynamic.MaxEntries)
		if err != nil {
			s.log.Warn("cache cleanup", zap.Error(err))
			return
		}
		s.log.Info("cache cleanup", zap.Int("evicted", evicted))
	case msgSync:
		kind, ok := KindForTag(msg.Tag)
		if !ok {
			s.log.Warn("sync trigger with unknown tag", zap.String("tag", msg.Tag))
			return
		}
		// drain off the read loop so a slow replay cannot stall control
		// messages; Drain itself serializes concurrent cycles
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := s.queue.Drain(ctx, kind); err != nil {
				s.log.Warn("drain failed", zap.String("kind", string(kind)), zap.Error(err))
			}
		}()
	case msgNavigate:
		c.setLocation(msg.URL)
	case msgNotificationClick:
		var n NotificationPayload
		if msg.Notification != nil {
			n = *msg.Notification
		}
		if err := s.dispatcher.HandleClick(ctx, msg.Action, n); err != nil {
			s.log.Warn("notification click", zap.Error(err))
		}
	default:
		// unrecognized control messages are ignored
	}
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.dispatcher.HandlePush(r.Context(), raw); err != nil {
		s.log.Warn("push dispatch", zap.Error(err))
		http.Error(w, "dispatch failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	class := s.classifier.Classify(r.Method, r.URL)

	if class == ClassBypass {
		s.handleBypass(w, r)
		return
	}

	var (
		ent CacheEntry
		err error
	)
	switch class {
	case ClassStaticAsset:
		ent, err = s.strategies.CacheFirst(r)
	case ClassAPICall:
		ent, err = s.strategies.NetworkFirst(r)
	default:
		ent, err = s.strategies.StaleWhileRevalidate(r)
	}
	if err != nil {
		if isNavigation(r) {
			s.writeOffline(w)
			return
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeEntry(w, ent, class.String())
}

// handleBypass forwards the request untouched, except that a mutation to a
// submission endpoint that fails due to network unavailability is persisted
// as a SyncTask for later replay.
func (s *Service) handleBypass(w http.ResponseWriter, r *http.Request) {
	kind, mutation := s.mutationKind(r)
	if !mutation {
		if err := s.proxy(w, r); err != nil {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMutationBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(strings.NewReader(string(payload)))

	if err := s.proxy(w, r); err != nil {
		task, qerr := s.queue.Enqueue(SyncTask{
			Kind:      kind,
			Payload:   payload,
			AuthToken: bearerToken(r),
		})
		if qerr != nil {
			s.log.Error("failed to queue offline mutation", zap.Error(qerr))
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queued": true,
			"id":     task.ID,
			"tag":    kind.SyncTag(),
		})
	}
}

func (s *Service) mutationKind(r *http.Request) (TaskKind, bool) {
	if r.Method != http.MethodPost {
		return "", false
	}
	switch {
	case strings.HasPrefix(r.URL.Path, s.cfg.Sync.BookingsPath):
		return TaskBooking, true
	case strings.HasPrefix(r.URL.Path, s.cfg.Sync.RidesPath):
		return TaskRideOffer, true
	}
	return "", false
}

// proxy forwards the request to the origin and streams the response back.
// Returns an error only when the origin was unreachable; origin error
// statuses are passed through as-is.
func (s *Service) proxy(w http.ResponseWriter, r *http.Request) error {
	url := s.cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.Host != "" {
		url = r.URL.String()
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		return err
	}
	copyHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return nil
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, class string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-rideworker") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("X-Rideworker", class)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

// writeOffline is the last resort for a failed navigation: a synthesized
// response instead of the browser's default offline error page.
func (s *Service) writeOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Rideworker", "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"offline": true,
		"message": "You appear to be offline. Reconnect and try again.",
	})
}

func isNavigation(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
