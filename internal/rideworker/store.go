package rideworker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Store holds every logical store in one LevelDB database.
//
// Keyspace:
//
//	e:<store>:<key>  gob CacheEntry
//	m:<store>:<key>  gob entryMeta (insertion sequence)
//	s:<store>        gob storeMeta (marker + sequence high-water mark)
//	q:<kind>:<seq>   gob SyncTask (owned by Queue)
//
// Store names must not contain ':'. Request keys may.
type Store struct {
	db  *leveldb.DB
	log *zap.Logger

	mu  sync.Mutex
	seq map[string]uint64 // next insertion sequence per logical store
}

type entryMeta struct {
	Seq      uint64
	StoredAt int64
}

type storeMeta struct {
	NextSeq uint64
}

func OpenStore(path string, log *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db, log: log, seq: map[string]uint64{}}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadSeq() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("s:")), nil)
	defer it.Release()
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte("s:")))
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		s.seq[name] = meta.NextSeq
	}
	if err := it.Error(); err != nil {
		return err
	}

	// Markers from concurrent Puts can commit out of order, leaving the
	// persisted high-water mark behind the newest entry. Merge in the real
	// maximum from the entry metas so sequences never regress across reopen.
	mit := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer mit.Release()
	for mit.Next() {
		rest := bytes.TrimPrefix(mit.Key(), []byte("m:"))
		i := bytes.IndexByte(rest, ':')
		if i < 0 {
			continue
		}
		name := string(rest[:i])
		var meta entryMeta
		if err := decodeGob(mit.Value(), &meta); err != nil {
			continue
		}
		if meta.Seq+1 > s.seq[name] {
			s.seq[name] = meta.Seq + 1
		}
	}
	return mit.Error()
}

func entryKey(store, key string) []byte { return []byte("e:" + store + ":" + key) }
func metaKey(store, key string) []byte  { return []byte("m:" + store + ":" + key) }
func markerKey(store string) []byte     { return []byte("s:" + store) }

// Get returns the snapshot stored for key, if any.
func (s *Store) Get(store, key string) (CacheEntry, bool) {
	b, err := s.db.Get(entryKey(store, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		s.log.Warn("store: undecodable entry", zap.String("store", store), zap.String("key", key))
		return CacheEntry{}, false
	}
	return ent, true
}

// Put writes a snapshot, replacing any prior one for the same key. The entry
// is assigned the store's next insertion sequence even when replacing.
func (s *Store) Put(store, key string, ent CacheEntry) error {
	eb, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	s.mu.Lock()
	seq := s.seq[store]
	s.seq[store] = seq + 1
	s.mu.Unlock()

	mb, err := encodeGob(entryMeta{Seq: seq, StoredAt: ent.StoredAt})
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	sb, err := encodeGob(storeMeta{NextSeq: seq + 1})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(store, key), eb)
	batch.Put(metaKey(store, key), mb)
	batch.Put(markerKey(store), sb)
	return s.db.Write(batch, nil)
}

func (s *Store) Delete(store, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(store, key))
	batch.Delete(metaKey(store, key))
	return s.db.Write(batch, nil)
}

// EnsureStore writes the store marker so the generation is visible to
// ListStores before its first entry lands.
func (s *Store) EnsureStore(store string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq[store]; ok {
		return nil
	}
	sb, err := encodeGob(storeMeta{})
	if err != nil {
		return err
	}
	if err := s.db.Put(markerKey(store), sb, nil); err != nil {
		return err
	}
	s.seq[store] = 0
	return nil
}

// Len counts entries in one logical store.
func (s *Store) Len(store string) int {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:"+store+":")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// ListStores returns every known store name sharing the prefix, sorted.
func (s *Store) ListStores(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seq))
	for name := range s.seq {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// DropStore removes a whole store generation, entries and marker included.
func (s *Store) DropStore(store string) error {
	batch := new(leveldb.Batch)
	for _, pfx := range []string{"e:" + store + ":", "m:" + store + ":"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(pfx)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	batch.Delete(markerKey(store))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.seq, store)
	s.mu.Unlock()
	return nil
}

// TrimFIFO evicts oldest-inserted entries until at most max remain. Oldest is
// by insertion sequence, not recency of access. Returns the evicted count.
func (s *Store) TrimFIFO(store string, max int) (int, error) {
	type item struct {
		key string
		seq uint64
	}
	pfx := "m:" + store + ":"
	it := s.db.NewIterator(util.BytesPrefix([]byte(pfx)), nil)
	var items []item
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(pfx)))
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		items = append(items, item{key: key, seq: meta.Seq})
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	if len(items) <= max {
		return 0, nil
	}

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	batch := new(leveldb.Batch)
	evict := items[:len(items)-max]
	for _, item := range evict {
		batch.Delete(entryKey(store, item.key))
		batch.Delete(metaKey(store, item.key))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, err
	}
	return len(evict), nil
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
