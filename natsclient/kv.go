package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/pkg/retry"
)

// errConflict marks a compare-and-set write that lost to another writer.
var errConflict = errors.New("kv: revision conflict")

// KVOptions tune a bucket.
type KVOptions struct {
	// OpTimeout bounds every call; zero leaves only the caller's ctx.
	OpTimeout time.Duration
	// MaxValue rejects larger writes; zero disables the check.
	MaxValue int
	// CAS retries read-modify-write updates that lost a race.
	CAS retry.Config
}

// DefaultKVOptions suit flow document entries, which are small and edited
// by a handful of concurrent editors.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		OpTimeout: 5 * time.Second,
		MaxValue:  1 << 20,
		CAS: retry.Config{
			MaxAttempts:  8,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
			AddJitter:    true,
			RetryIf:      func(err error) bool { return errors.Is(err, errConflict) },
		},
	}
}

// Entry is one value read from a bucket.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore is one JetStream key-value bucket.
type KVStore struct {
	kv     jetstream.KeyValue
	opts   KVOptions
	logger *slog.Logger
}

func newKVStore(kv jetstream.KeyValue, opts KVOptions, logger *slog.Logger) *KVStore {
	return &KVStore{kv: kv, opts: opts, logger: logger.With("bucket", kv.Bucket())}
}

// Bucket returns the bucket name.
func (s *KVStore) Bucket() string {
	return s.kv.Bucket()
}

func (s *KVStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

func (s *KVStore) checkSize(key string, value []byte) error {
	if s.opts.MaxValue > 0 && len(value) > s.opts.MaxValue {
		return errors.WrapInvalid(fmt.Errorf("%d bytes over the %d byte limit", len(value), s.opts.MaxValue), "natsclient", "KVStore", "write "+key)
	}
	return nil
}

// Get reads key. A missing or deleted key wraps errors.ErrKeyNotFound.
func (s *KVStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, translate(err, key)
	}
	return &Entry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

// Put writes key unconditionally and returns the new revision.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.checkSize(key, value); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, translate(err, key)
	}
	s.logger.Debug("Put", "key", key, "revision", rev)
	return rev, nil
}

// Delete removes key. Deleting a missing key wraps errors.ErrKeyNotFound.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.kv.Delete(ctx, key); err != nil {
		return translate(err, key)
	}
	return nil
}

// UpdateJSON applies fn to the JSON object stored at key and writes it back
// only if nobody wrote the key in between, retrying otherwise. fn sees an
// empty map for a missing key; an error from fn aborts the update.
func (s *KVStore) UpdateJSON(ctx context.Context, key string, fn func(current map[string]any) error) error {
	return retry.Do(ctx, s.opts.CAS, func() error {
		current := map[string]any{}
		var rev uint64
		e, err := s.Get(ctx, key)
		switch {
		case err == nil:
			rev = e.Revision
			if err := json.Unmarshal(e.Value, &current); err != nil {
				return retry.NonRetryable(errors.WrapInvalid(err, "natsclient", "UpdateJSON", "decode "+key))
			}
		case !IsNotFound(err):
			return err
		}

		if err := fn(current); err != nil {
			return retry.NonRetryable(err)
		}
		next, err := json.Marshal(current)
		if err != nil {
			return retry.NonRetryable(errors.WrapInvalid(err, "natsclient", "UpdateJSON", "encode "+key))
		}
		if err := s.checkSize(key, next); err != nil {
			return retry.NonRetryable(err)
		}

		wctx, cancel := s.bound(ctx)
		defer cancel()
		if rev == 0 {
			_, err = s.kv.Create(wctx, key, next)
		} else {
			_, err = s.kv.Update(wctx, key, next, rev)
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			s.logger.Debug("Update lost a race, retrying", "key", key)
			return errConflict
		}
		if err != nil {
			return translate(err, key)
		}
		return nil
	})
}

// Keys lists the keys matching the subject filters, or every key without
// filters. An empty bucket yields no keys and no error.
func (s *KVStore) Keys(ctx context.Context, filters ...string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var (
		lister jetstream.KeyLister
		err    error
	)
	if len(filters) == 0 {
		lister, err = s.kv.ListKeys(ctx)
	} else {
		lister, err = s.kv.ListKeysFiltered(ctx, filters...)
	}
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "keys")
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

// Watch follows the keys matching pattern until ctx ends or the watcher is
// stopped. Without jetstream.UpdatesOnly the current values come first,
// followed by a nil entry.
func (s *KVStore) Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	w, err := s.kv.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Watch", "watch "+pattern)
	}
	return w, nil
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyDeleted)
}

func translate(err error, key string) error {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return fmt.Errorf("%s: %w", key, errors.ErrKeyNotFound)
	}
	return errors.WrapTransient(err, "natsclient", "KVStore", "access "+key)
}
