// Package sqlitebackend implements a persistent [settings.Backend] on top of
// an SQLite database, with values stored as JSON, alongside the name of their
// Go type.
package sqlitebackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/joeycumines/logiface"
	_ "modernc.org/sqlite"

	"github.com/joeycumines/go-mainloop/settings"
)

const upsertQuery = `INSERT INTO settings (key, value, value_type) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, value_type = excluded.value_type`

// Backend is a [settings.Backend] persisting values to an SQLite database.
// Every key is writable. Reads are served from an in-memory cache of the
// table, which is reloaded when the database changes, if watching.
//
// Values read without a type hint decode to the type they were written with,
// if that type is known to the backend, see [WithTypes], and otherwise as
// [encoding/json] decodes into an any.
type Backend struct {
	settings.Notifier
	db            *sql.DB
	logger        *logiface.Logger[logiface.Event]
	types         *typeRegistry
	defaults      map[string]any
	cache         map[string]storedValue
	subscriptions map[string]int
	watcher       *watcher
	mu            sync.Mutex
	closeOnce     sync.Once
	closeErr      error
}

// storedValue is a row of the settings table.
type storedValue struct {
	raw      string
	typeName string
}

var _ settings.Backend = (*Backend)(nil)

// Open opens, creating and migrating if necessary, the database at path.
func Open(ctx context.Context, path string, opts ...Option) (*Backend, error) {
	cfg, err := resolveBackendOptions(opts)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitebackend: open %s: %w", path, err)
	}
	// a single connection serializes writers within the process
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db, cfg.logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	b := &Backend{
		db:            db,
		logger:        cfg.logger,
		types:         newTypeRegistry(),
		defaults:      cfg.defaults,
		subscriptions: make(map[string]int),
	}
	for _, v := range cfg.types {
		b.types.register(v)
	}
	for _, v := range cfg.defaults {
		b.types.register(v)
	}

	if b.cache, err = b.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.watch {
		if b.watcher, err = startWatcher(path, b.reload, cfg.logger); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	b.logger.Debug().
		Str("path", path).
		Int("keys", len(b.cache)).
		Bool("watch", cfg.watch).
		Log("opened settings database")

	return b, nil
}

// Close stops watching and closes the database.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if b.watcher != nil {
			b.closeErr = b.watcher.close()
		}
		b.closeErr = errors.Join(b.closeErr, b.db.Close())
	})
	return b.closeErr
}

func (b *Backend) load(ctx context.Context) (map[string]storedValue, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value, value_type FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("sqlitebackend: load: %w", err)
	}
	defer rows.Close()

	values := make(map[string]storedValue)
	for rows.Next() {
		var key string
		var v storedValue
		if err := rows.Scan(&key, &v.raw, &v.typeName); err != nil {
			return nil, fmt.Errorf("sqlitebackend: load: %w", err)
		}
		values[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitebackend: load: %w", err)
	}
	return values, nil
}

// reload refreshes the cache from the database, notifying every key whose
// stored value differs, with a nil origin.
func (b *Backend) reload() {
	b.mu.Lock()
	values, err := b.load(context.Background())
	if err != nil {
		b.mu.Unlock()
		b.logger.Warning().Err(err).Log("reload of settings database failed")
		return
	}
	var changed []string
	for key, value := range values {
		if old, ok := b.cache[key]; !ok || old != value {
			changed = append(changed, key)
		}
	}
	for key := range b.cache {
		if _, ok := values[key]; !ok {
			changed = append(changed, key)
		}
	}
	b.cache = values
	b.mu.Unlock()

	for _, key := range changed {
		if settings.IsKey(key) {
			b.Changed(key, nil)
		}
	}
}

func (b *Backend) Read(key string, hint reflect.Type, defaultValue bool) (any, bool) {
	settings.CheckKey(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !defaultValue {
		if v, ok := b.decodeLocked(key, hint); ok {
			return v, true
		}
	}
	if v, ok := b.defaults[key]; ok && settings.MatchesHint(v, hint) {
		return v, true
	}
	return nil, false
}

func (b *Backend) ReadUserValue(key string, hint reflect.Type) (any, bool) {
	settings.CheckKey(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodeLocked(key, hint)
}

// decodeLocked decodes the cached value of key, into the type it was written
// with, if known. A value of a known type other than a concrete hint reads as
// absent. Values of unknown types decode into the hint, or into an any.
func (b *Backend) decodeLocked(key string, hint reflect.Type) (any, bool) {
	stored, ok := b.cache[key]
	if !ok {
		return nil, false
	}

	target := b.types.lookup(stored.typeName)
	concreteHint := hint != nil && hint.Kind() != reflect.Interface
	switch {
	case concreteHint && target != nil && target != hint:
		return nil, false
	case concreteHint:
		target = hint
	}

	var v any
	if target != nil {
		ptr := reflect.New(target)
		if err := json.Unmarshal([]byte(stored.raw), ptr.Interface()); err != nil {
			if !concreteHint {
				b.logger.Warning().Str("key", key).Str("type", stored.typeName).Err(err).Log("undecodable stored value")
			}
			return nil, false
		}
		v = ptr.Elem().Interface()
	} else if err := json.Unmarshal([]byte(stored.raw), &v); err != nil {
		b.logger.Warning().Str("key", key).Err(err).Log("undecodable stored value")
		return nil, false
	}

	if !settings.MatchesHint(v, hint) {
		return nil, false
	}
	return v, true
}

// encode returns the row for value, registering its type.
func (b *Backend) encode(value any) (storedValue, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return storedValue{}, err
	}
	return storedValue{raw: string(raw), typeName: b.types.register(value)}, nil
}

func (b *Backend) Write(key string, value any, origin settings.Origin) bool {
	settings.CheckKey(key)
	stored, err := b.encode(value)
	if err != nil {
		b.logger.Debug().Str("key", key).Err(err).Log("unencodable value")
		return false
	}

	b.mu.Lock()
	_, err = b.db.Exec(upsertQuery, key, stored.raw, stored.typeName)
	if err == nil {
		b.cache[key] = stored
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warning().Str("key", key).Err(err).Log("write failed")
		return false
	}
	b.Changed(key, origin)
	return true
}

// WriteTree stores tree in a single transaction.
func (b *Backend) WriteTree(tree *settings.Tree, origin settings.Origin) bool {
	encoded := make(map[string]storedValue, tree.Len())
	var encodeErr error
	tree.Range(func(key string, e settings.Entry) bool {
		if e.Reset {
			return true
		}
		stored, err := b.encode(e.Value)
		if err != nil {
			encodeErr = fmt.Errorf("key %s: %w", key, err)
			return false
		}
		encoded[key] = stored
		return true
	})
	if encodeErr != nil {
		b.logger.Debug().Err(encodeErr).Log("unencodable tree value")
		return false
	}

	b.mu.Lock()
	err := b.writeTreeLocked(tree, encoded)
	b.mu.Unlock()

	if err != nil {
		b.logger.Warning().Err(err).Log("write tree failed")
		return false
	}
	b.ChangedTree(tree, origin)
	return true
}

func (b *Backend) writeTreeLocked(tree *settings.Tree, encoded map[string]storedValue) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range tree.Keys() {
		if stored, ok := encoded[key]; ok {
			_, err = tx.Exec(upsertQuery, key, stored.raw, stored.typeName)
		} else {
			_, err = tx.Exec(`DELETE FROM settings WHERE key = ?`, key)
		}
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, key := range tree.Keys() {
		if stored, ok := encoded[key]; ok {
			b.cache[key] = stored
		} else {
			delete(b.cache, key)
		}
	}
	return nil
}

func (b *Backend) Reset(key string, origin settings.Origin) {
	settings.CheckKey(key)
	b.mu.Lock()
	_, ok := b.cache[key]
	var err error
	if ok {
		if _, err = b.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err == nil {
			delete(b.cache, key)
		}
	}
	b.mu.Unlock()

	switch {
	case err != nil:
		b.logger.Warning().Str("key", key).Err(err).Log("reset failed")
	case ok:
		b.Changed(key, origin)
	}
}

// GetWritable always returns true.
func (b *Backend) GetWritable(key string) bool {
	settings.CheckKey(key)
	return true
}

func (b *Backend) Subscribe(name string) {
	settings.CheckKeyOrPath(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions[name]++
}

func (b *Backend) Unsubscribe(name string) {
	settings.CheckKeyOrPath(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscriptions[name] <= 1 {
		delete(b.subscriptions, name)
		return
	}
	b.subscriptions[name]--
}

// Sync is a no-op, every write is committed before it returns.
func (b *Backend) Sync() {}
