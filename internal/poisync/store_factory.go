package poisync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RecordStoreFactory func(dsn string) (RecordStore, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecordStoreFactory
}{
	factories: map[string]RecordStoreFactory{},
}

// RegisterRecordStoreFactory overrides the built-in backend for scheme.
func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupRecordStoreFactory(scheme string) (RecordStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildRecordStoreFromDSN picks a backend by DSN scheme. An empty DSN selects
// the in-memory store; a bare path selects the JSON file store.
func BuildRecordStoreFromDSN(dsn string) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupRecordStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file", "json":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewJSONFileStore(path)
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql":
		return nil, fmt.Errorf("%w: record store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: unsupported record store scheme %q", ErrInvalidInput, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
