package rideworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Submitter replays one queued mutation against the remote API.
type Submitter interface {
	Submit(ctx context.Context, task SyncTask) error
}

type httpSubmitter struct {
	client *http.Client
	origin string
	cfg    Config
}

func (s *httpSubmitter) Submit(ctx context.Context, task SyncTask) error {
	url := s.origin + s.cfg.SubmitPath(task.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(task.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if task.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+task.AuthToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("submit %s: status %d", task.Kind, resp.StatusCode)
	}
	return nil
}

// Queue persists mutating requests that failed offline and replays them when
// the host fires the matching sync tag. Tasks of one kind drain sequentially
// in insertion order; a failed task stays queued and never blocks the rest.
type Queue struct {
	store  *Store
	submit Submitter
	log    *zap.Logger

	// at most one drain cycle in flight; concurrent triggers serialize here
	drainMu sync.Mutex

	mu  sync.Mutex
	seq map[TaskKind]uint64
}

func newQueue(store *Store, submit Submitter, log *zap.Logger) *Queue {
	q := &Queue{store: store, submit: submit, log: log, seq: map[TaskKind]uint64{}}
	for _, kind := range []TaskKind{TaskBooking, TaskRideOffer} {
		q.seq[kind] = q.loadNextSeq(kind)
		queueDepth.WithLabelValues(string(kind)).Set(float64(q.count(kind)))
	}
	return q
}

func taskPrefix(kind TaskKind) string { return "q:" + string(kind) + ":" }

func taskKey(kind TaskKind, seq uint64) []byte {
	// zero-padded hex keeps LevelDB iteration in insertion order
	return []byte(fmt.Sprintf("%s%016x", taskPrefix(kind), seq))
}

func (q *Queue) loadNextSeq(kind TaskKind) uint64 {
	it := q.store.db.NewIterator(util.BytesPrefix([]byte(taskPrefix(kind))), nil)
	defer it.Release()
	var next uint64
	for it.Next() {
		hex := string(bytes.TrimPrefix(it.Key(), []byte(taskPrefix(kind))))
		if seq, err := strconv.ParseUint(hex, 16, 64); err == nil && seq >= next {
			next = seq + 1
		}
	}
	return next
}

func (q *Queue) count(kind TaskKind) int {
	it := q.store.db.NewIterator(util.BytesPrefix([]byte(taskPrefix(kind))), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// Enqueue persists a task. ID and CreatedAt are filled when absent.
func (q *Queue) Enqueue(task SyncTask) (SyncTask, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = time.Now().Unix()
	}
	b, err := encodeGob(task)
	if err != nil {
		return SyncTask{}, fmt.Errorf("enqueue: %w", err)
	}

	q.mu.Lock()
	seq := q.seq[task.Kind]
	q.seq[task.Kind] = seq + 1
	q.mu.Unlock()

	if err := q.store.db.Put(taskKey(task.Kind, seq), b, nil); err != nil {
		return SyncTask{}, fmt.Errorf("enqueue: %w", err)
	}
	queueDepth.WithLabelValues(string(task.Kind)).Set(float64(q.count(task.Kind)))
	q.log.Info("queued offline mutation",
		zap.String("kind", string(task.Kind)), zap.String("id", task.ID), zap.String("tag", task.Kind.SyncTag()))
	return task, nil
}

// Pending returns queued tasks of one kind in insertion order.
func (q *Queue) Pending(kind TaskKind) ([]SyncTask, error) {
	it := q.store.db.NewIterator(util.BytesPrefix([]byte(taskPrefix(kind))), nil)
	defer it.Release()
	var out []SyncTask
	for it.Next() {
		var task SyncTask
		if err := decodeGob(it.Value(), &task); err != nil {
			q.log.Warn("dropping undecodable task record", zap.ByteString("key", it.Key()))
			continue
		}
		out = append(out, task)
	}
	return out, it.Error()
}

// persistAttempt rewrites a failed task in place with its incremented attempt
// count. The task stays queued either way; only the count can be lost.
func (q *Queue) persistAttempt(key []byte, task SyncTask) {
	b, err := encodeGob(task)
	if err != nil {
		q.log.Warn("failed to encode task record", zap.String("id", task.ID), zap.Error(err))
		return
	}
	if err := q.store.db.Put(key, b, nil); err != nil {
		q.log.Warn("failed to persist attempt count", zap.String("id", task.ID), zap.Error(err))
	}
}

type DrainResult struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Drain replays every pending task of one kind, sequentially, in insertion
// order. Success removes the task; failure keeps it with an incremented
// attempt count and moves on to the next. No attempt cap, no backoff: a task
// is retried on every later trigger until it succeeds.
func (q *Queue) Drain(ctx context.Context, kind TaskKind) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var res DrainResult

	it := q.store.db.NewIterator(util.BytesPrefix([]byte(taskPrefix(kind))), nil)
	type record struct {
		key  []byte
		task SyncTask
	}
	var records []record
	for it.Next() {
		var task SyncTask
		if err := decodeGob(it.Value(), &task); err != nil {
			continue
		}
		records = append(records, record{key: append([]byte(nil), it.Key()...), task: task})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return res, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		if err := q.submit.Submit(ctx, rec.task); err != nil {
			res.Failed++
			syncAttempts.WithLabelValues(string(kind), "fail").Inc()
			rec.task.AttemptCount++
			q.persistAttempt(rec.key, rec.task)
			q.log.Warn("queued task failed, will retry on next trigger",
				zap.String("id", rec.task.ID), zap.Int("attempts", rec.task.AttemptCount), zap.Error(err))
			continue
		}
		res.Succeeded++
		syncAttempts.WithLabelValues(string(kind), "ok").Inc()
		_ = q.store.db.Delete(rec.key, nil)
	}

	queueDepth.WithLabelValues(string(kind)).Set(float64(q.count(kind)))
	q.log.Info("drain cycle finished", zap.String("kind", string(kind)),
		zap.Int("attempted", res.Attempted), zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
	return res, nil
}
