// Package store adapts go.etcd.io/bbolt into the ordered key-value store
// collaborator the subscription engine is built against: per-stream event
// trees keyed by big-endian event number, an atomic per-stream counter, and
// a blocking watch iterator for live tailing.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/meilies-io/meilies/internal/stream"
)

var (
	metaBucket = []byte("meilies:meta")
	eventsPrefix = "event:"
)

// Options configures a Store at open time.
type Options struct {
	// CompressionFactor enables zstd compression of raw event blobs when
	// > 0; the value is passed to zstd as its compression level.
	CompressionFactor int
	Logger            zerolog.Logger
}

// Store wraps a bbolt database as the MeiliES store adapter.
type Store struct {
	db     *bbolt.DB
	logger zerolog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu       sync.Mutex
	watchers map[stream.Name][]*watcher
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init meta bucket: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   opts.Logger.With().Str("component", "store").Logger(),
		watchers: make(map[stream.Name][]*watcher),
	}

	if opts.CompressionFactor > 0 {
		level := zstd.EncoderLevelFromZstd(opts.CompressionFactor)
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: init zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: init zstd decoder: %w", err)
		}
		s.encoder = enc
		s.decoder = dec
	}

	s.logger.Info().Str("path", path).Bool("compression", opts.CompressionFactor > 0).Msg("store opened")
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return s.db.Close()
}

func bucketName(name stream.Name) []byte {
	return []byte(eventsPrefix + string(name))
}

func (s *Store) compress(raw []byte) []byte {
	if s.encoder == nil {
		return raw
	}
	return s.encoder.EncodeAll(raw, nil)
}

func (s *Store) decompress(stored []byte) ([]byte, error) {
	if s.decoder == nil {
		return stored, nil
	}
	return s.decoder.DecodeAll(stored, nil)
}

// ListStreams enumerates all stream names that have had an event number
// allocated or an event written, excluding the store's private metadata
// bucket.
func (s *Store) ListStreams() ([]stream.Name, error) {
	var names []stream.Name
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			n := string(name)
			if len(n) > len(eventsPrefix) && n[:len(eventsPrefix)] == eventsPrefix {
				names = append(names, stream.Name(n[len(eventsPrefix):]))
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list streams: %w", err)
	}
	return names, nil
}

// AllocateNext atomically increments and returns the next event number for
// name. bbolt serializes all writable transactions, which gives this the
// same linearizability guarantee as the original update_and_fetch: under
// concurrent callers the sequence of returned numbers is a gap-free,
// duplicate-free run starting at 0.
func (s *Store) AllocateNext(name stream.Name) (stream.Number, error) {
	var next stream.Number
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		key := []byte(name)

		var current stream.Number
		if v := meta.Get(key); v != nil {
			n, err := stream.NumberFromBytes(v)
			if err != nil {
				return err
			}
			current = n.Next()
		}
		next = current

		b := current.Bytes()
		if err := meta.Put(key, b[:]); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketName(name))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: allocate next number for %q: %w", name, err)
	}
	return next, nil
}

// WriteEvent persists (number -> encode(name, data)) in the stream's event
// bucket, then notifies any live watchers of the insert.
func (s *Store) WriteEvent(name stream.Name, number stream.Number, eventName stream.EventName, data stream.EventData) error {
	raw := stream.EncodeRawEvent(eventName, data)
	stored := s.compress(raw)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(name))
		if err != nil {
			return err
		}
		key := number.Bytes()
		return b.Put(key[:], stored)
	})
	if err != nil {
		return fmt.Errorf("store: write event %s:%d: %w", name, number, err)
	}

	s.notify(name, WatchEvent{Number: number, Name: eventName, Data: data})
	return nil
}

// LastEventNumber returns the current counter value for name, or ok=false
// if nothing has ever been published to it.
func (s *Store) LastEventNumber(name stream.Name) (stream.Number, bool, error) {
	var n stream.Number
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		v := meta.Get([]byte(name))
		if v == nil {
			return nil
		}
		parsed, err := stream.NumberFromBytes(v)
		if err != nil {
			return err
		}
		n, ok = parsed, true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("store: last event number for %q: %w", name, err)
	}
	return n, ok, nil
}

// EventRecord is one decoded (number, name, data) triple read from a stream.
type EventRecord struct {
	Number stream.Number
	Name   stream.EventName
	Data   stream.EventData
}

// ScanFrom reads every event of name with number >= from, in ascending
// order, into a snapshot slice. Bounded by nothing on the right; callers
// wanting [from, to) should filter the returned slice or use RangeEvents.
//
// Events are snapshotted into memory rather than streamed off a live bbolt
// cursor so the subscription worker can block on the downstream response
// channel without holding a long-running read transaction open.
func (s *Store) ScanFrom(name stream.Name, from stream.Number) ([]EventRecord, error) {
	return s.rangeEvents(name, from, nil)
}

// RangeEvents reads every event of name with from <= number < to.
func (s *Store) RangeEvents(name stream.Name, from, to stream.Number) ([]EventRecord, error) {
	return s.rangeEvents(name, from, &to)
}

func (s *Store) rangeEvents(name stream.Name, from stream.Number, to *stream.Number) ([]EventRecord, error) {
	var records []EventRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := from.Bytes()
		for k, v := c.Seek(start[:]); k != nil; k, v = c.Next() {
			num, err := stream.NumberFromBytes(k)
			if err != nil {
				return err
			}
			if to != nil && num >= *to {
				break
			}
			raw, err := s.decompress(v)
			if err != nil {
				return fmt.Errorf("decompress event %s:%d: %w", name, num, err)
			}
			eventName, data, err := stream.DecodeRawEvent(raw)
			if err != nil {
				return fmt.Errorf("decode event %s:%d: %w", name, num, err)
			}
			records = append(records, EventRecord{Number: num, Name: eventName, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: range events for %q: %w", name, err)
	}
	return records, nil
}

var ErrStoreClosed = errors.New("store: closed")
