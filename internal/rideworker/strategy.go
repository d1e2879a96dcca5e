package rideworker

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Strategies resolves requests against the durable stores and the network.
// Store-write failures never fail a request; caching is an optimization.
type Strategies struct {
	store        *Store
	client       *http.Client
	origin       string
	staticStore  string
	dynamicStore string
	log          *zap.Logger
	swallowLog   *rateLimitedLogger

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func newStrategies(cfg Config, store *Store, client *http.Client, log *zap.Logger) *Strategies {
	return &Strategies{
		store:        store,
		client:       client,
		origin:       cfg.Server.Origin,
		staticStore:  cfg.StaticStore(),
		dynamicStore: cfg.DynamicStore(),
		log:          log,
		swallowLog:   newRateLimitedLogger(log, time.Minute),
		bgSem:        make(chan struct{}, 32),
	}
}

// Close waits for background revalidations to finish.
func (st *Strategies) Close() {
	st.wg.Wait()
}

// requestKey derives the store key from the full request URL. Cross-origin
// requests (CDN assets) keep their absolute URL so they cannot collide with
// same-origin paths.
func requestKey(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.String()
	}
	return r.URL.RequestURI()
}

// targetURL is where the network fetch actually goes: absolute URLs as-is,
// same-origin paths against the configured origin.
func (st *Strategies) targetURL(r *http.Request) string {
	if r.URL.Host != "" {
		return r.URL.String()
	}
	return st.origin + r.URL.RequestURI()
}

// CacheFirst serves static assets: a stored entry wins without touching the
// network; a miss fetches and stores the response.
func (st *Strategies) CacheFirst(r *http.Request) (CacheEntry, error) {
	key := requestKey(r)
	if ent, ok := st.store.Get(st.staticStore, key); ok {
		cacheHits.WithLabelValues("cache_first").Inc()
		return ent, nil
	}
	cacheMisses.WithLabelValues("cache_first").Inc()

	ent, cacheable, err := st.fetch(r.Context(), st.targetURL(r), r.Header)
	if err != nil {
		networkErrors.Inc()
		return CacheEntry{}, err
	}
	if cacheable {
		st.putSwallow(st.staticStore, key, ent)
	}
	return ent, nil
}

// NetworkFirst serves API calls: the network wins; its failure falls back to
// the last stored snapshot.
func (st *Strategies) NetworkFirst(r *http.Request) (CacheEntry, error) {
	key := requestKey(r)
	ent, cacheable, err := st.fetch(r.Context(), st.targetURL(r), r.Header)
	if err == nil {
		cacheMisses.WithLabelValues("network_first").Inc()
		if cacheable {
			st.putSwallow(st.dynamicStore, key, ent)
		}
		return ent, nil
	}
	networkErrors.Inc()

	if ent, ok := st.store.Get(st.dynamicStore, key); ok {
		cacheHits.WithLabelValues("network_first").Inc()
		return ent, nil
	}
	return CacheEntry{}, err
}

// StaleWhileRevalidate returns a stored entry immediately and refreshes it in
// the background; without one it waits on the network.
func (st *Strategies) StaleWhileRevalidate(r *http.Request) (CacheEntry, error) {
	key := requestKey(r)
	if ent, ok := st.store.Get(st.dynamicStore, key); ok {
		cacheHits.WithLabelValues("swr").Inc()
		st.revalidateAsync(key, st.targetURL(r), r.Header)
		return ent, nil
	}
	cacheMisses.WithLabelValues("swr").Inc()

	ent, cacheable, err := st.fetch(r.Context(), st.targetURL(r), r.Header)
	if err != nil {
		networkErrors.Inc()
		return CacheEntry{}, err
	}
	if cacheable {
		st.putSwallow(st.dynamicStore, key, ent)
	}
	return ent, nil
}

func (st *Strategies) fetch(ctx context.Context, url string, header http.Header) (CacheEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CacheEntry{}, false, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := st.client.Do(req)
	if err != nil {
		return CacheEntry{}, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, false, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ent, false, nil
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	cacheable := !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
	return ent, cacheable, nil
}

// revalidateAsync refreshes a dynamic entry in the background. Fire and
// forget: failures are swallowed and rate-logged, never surfaced.
func (st *Strategies) revalidateAsync(key, url string, header http.Header) {
	select {
	case st.bgSem <- struct{}{}:
	default:
		return
	}
	hdr := cloneHeader(header)
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		defer func() { <-st.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ent, cacheable, err := st.fetch(ctx, url, hdr)
		if err != nil {
			st.swallowLog.Warn("background refetch failed", zap.String("key", key), zap.Error(err))
			return
		}
		if cacheable {
			st.putSwallow(st.dynamicStore, key, ent)
		}
	}()
}

func (st *Strategies) putSwallow(store, key string, ent CacheEntry) {
	if err := st.store.Put(store, key, ent); err != nil {
		storeWriteFailures.Inc()
		st.swallowLog.Warn("store write failed", zap.String("store", store), zap.String("key", key), zap.Error(err))
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
