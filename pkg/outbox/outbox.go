// Package outbox persists messages whose send failed so they survive a
// restart and can be resent by hand with their original correlation key.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

const keyPrefix = "outbox:"

// Record is one failed send.
type Record struct {
	Message  models.Message `json:"message"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	FailedAt time.Time      `json:"failed_at"`
}

type Options struct {
	Path string
	// InMemory keeps the store in memory, for tests and for running without
	// a data directory.
	InMemory bool
}

// Store is a pebble-backed outbox. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	db   *pebble.DB
	path string
}

func Open(opts Options) (*Store, error) {
	const op chaterr.Op = "outbox.Open"
	popts := &pebble.Options{}
	path := opts.Path
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		if path == "" {
			path = "outbox"
		}
	}
	if path == "" {
		return nil, chaterr.E(op, chaterr.KindConfig, "outbox path is empty")
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		logger.Error("outbox_open_failed", "path", path, "error", err)
		return nil, chaterr.E(op, chaterr.KindConfig, path, err)
	}
	logger.Debug("outbox_opened", "path", path, "in_memory", opts.InMemory)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func key(conversationID, correlationKey string) []byte {
	return []byte(keyPrefix + conversationID + ":" + correlationKey)
}

func conversationPrefix(conversationID string) []byte {
	return []byte(keyPrefix + conversationID + ":")
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

var errClosed = errors.New("outbox closed")

// Put stores rec, replacing any record with the same conversation and
// correlation key.
func (s *Store) Put(rec Record) error {
	const op chaterr.Op = "outbox.Put"
	if rec.Message.ConversationID == "" || rec.Message.CorrelationKey == "" {
		return chaterr.Invalid(op, "record needs a conversation and correlation key")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return chaterr.E(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return chaterr.E(op, errClosed)
	}
	return s.db.Set(key(rec.Message.ConversationID, rec.Message.CorrelationKey), data, pebble.Sync)
}

// Get returns the record for a correlation key.
func (s *Store) Get(conversationID, correlationKey string) (Record, bool, error) {
	const op chaterr.Op = "outbox.Get"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Record{}, false, chaterr.E(op, errClosed)
	}
	val, closer, err := s.db.Get(key(conversationID, correlationKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, chaterr.E(op, err)
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, false, chaterr.E(op, fmt.Errorf("decode %s: %w", correlationKey, err))
	}
	return rec, true, nil
}

// Delete removes the record, typically once a resend succeeded.
func (s *Store) Delete(conversationID, correlationKey string) error {
	const op chaterr.Op = "outbox.Delete"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return chaterr.E(op, errClosed)
	}
	return s.db.Delete(key(conversationID, correlationKey), pebble.Sync)
}

// List returns the records of one conversation, oldest message first.
func (s *Store) List(conversationID string) ([]Record, error) {
	return s.scan(conversationPrefix(conversationID))
}

// All returns every record.
func (s *Store) All() ([]Record, error) {
	return s.scan([]byte(keyPrefix))
}

func (s *Store) scan(prefix []byte) ([]Record, error) {
	const op chaterr.Op = "outbox.scan"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, chaterr.E(op, errClosed)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, chaterr.E(op, err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			logger.Warn("outbox_record_corrupt", "key", strings.TrimPrefix(string(iter.Key()), keyPrefix), "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return out, chaterr.E(op, err)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool { return models.Less(rs[i].Message, rs[j].Message) })
}

func (s *Store) Path() string { return s.path }
