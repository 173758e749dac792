package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Badger is an embedded key-value workspace backend.
//
// Key layout (run ids are path-escaped):
//
//	r/<run>/<gen:08d>/<kind>/<rev:06d>  record envelope JSON
//	q/<run>/<seq:012d>                  r-key, in append order
//	s/<run>                             last seq, big-endian uint64
//	g/<run>                             max generation, big-endian uint64
//	l/<run>                             r-key of the latest state record
type Badger struct {
	db *badger.DB
}

var _ workspace.Backend = (*Badger)(nil)

// BadgerConfig holds configuration for a Badger backend.
type BadgerConfig struct {
	Path     string // ignored when InMemory
	InMemory bool
	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
	Logger     *zap.Logger
}

// badgerLogger adapts zap to badger's Logger interface.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// OpenBadger opens the badger store described by cfg.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{s: cfg.Logger.Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

// Close closes the store.
func (b *Badger) Close() error {
	return b.db.Close()
}

func escRun(runID string) string { return url.PathEscape(runID) }

func recordKey(k workspace.Key) []byte {
	return []byte(fmt.Sprintf("r/%s/%08d/%s/%06d", escRun(k.RunID), k.Generation, k.Kind, k.Revision))
}

func seqKey(runID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("q/%s/%012d", escRun(runID), seq))
}

func seqPrefix(runID string) []byte { return []byte("q/" + escRun(runID) + "/") }
func counterKey(runID string) []byte { return []byte("s/" + escRun(runID)) }
func maxGenKey(runID string) []byte  { return []byte("g/" + escRun(runID)) }
func latestKey(runID string) []byte  { return []byte("l/" + escRun(runID)) }

func getUint(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("corrupt counter %s", key)
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func putUint(txn *badger.Txn, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set(key, buf)
}

func (b *Badger) Insert(_ context.Context, rec workspace.Record) (bool, error) {
	inserted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		rk := recordKey(rec.Key)
		if _, err := txn.Get(rk); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, _, err := getUint(txn, counterKey(rec.RunID))
		if err != nil {
			return err
		}
		seq++
		rec.Seq = int64(seq)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(rk, data); err != nil {
			return err
		}
		if err := txn.Set(seqKey(rec.RunID, seq), rk); err != nil {
			return err
		}
		if err := putUint(txn, counterKey(rec.RunID), seq); err != nil {
			return err
		}
		maxGen, ok, err := getUint(txn, maxGenKey(rec.RunID))
		if err != nil {
			return err
		}
		if !ok || uint64(rec.Generation) > maxGen {
			if err := putUint(txn, maxGenKey(rec.RunID), uint64(rec.Generation)); err != nil {
				return err
			}
		}
		if rec.Kind == workspace.KindState {
			if err := txn.Set(latestKey(rec.RunID), rk); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert record %s: %w", rec.Key, err)
	}
	return inserted, nil
}

func (b *Badger) Has(_ context.Context, key workspace.Key) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(recordKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lookup record %s: %w", key, err)
	}
	return found, nil
}

func (b *Badger) MaxGeneration(_ context.Context, runID string) (int, bool, error) {
	var gen uint64
	var ok bool
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		gen, ok, err = getUint(txn, maxGenKey(runID))
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("max generation %s: %w", runID, err)
	}
	return int(gen), ok, nil
}

func readRecord(txn *badger.Txn, rk []byte) (workspace.Record, error) {
	var rec workspace.Record
	item, err := txn.Get(rk)
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func (b *Badger) Records(ctx context.Context, runID string) ([]workspace.Record, error) {
	var out []workspace.Record
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := seqPrefix(runID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rk, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := readRecord(txn, rk)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", runID, err)
	}
	return out, nil
}

func (b *Badger) LatestState(_ context.Context, runID string) (*workspace.Record, error) {
	var rec *workspace.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rk, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		r, err := readRecord(txn, rk)
		if err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest state %s: %w", runID, err)
	}
	return rec, nil
}

func (b *Badger) Runs(_ context.Context) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("g/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			esc := strings.TrimPrefix(string(it.Item().Key()), "g/")
			id, err := url.PathUnescape(esc)
			if err != nil {
				return fmt.Errorf("decode run id %q: %w", esc, err)
			}
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return out, nil
}
