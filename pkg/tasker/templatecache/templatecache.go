// Package templatecache is a read-through local cache of NamedTask/NamedStep
// template rows in front of the Postgres store, adapted from the teacher's
// WorkflowStore (services/orchestrator/persistence.go): a BoltDB-backed
// cache warmed on startup, with an in-memory hot map checked before the
// BoltDB file, falling through to Postgres on a genuine miss.
package templatecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/tasker/pkg/tasker/model"
	"github.com/swarmguard/tasker/pkg/tasker/store"
)

var bucketNamedTasks = []byte("named_tasks")

// Cache is the warm template cache: a process-local memory map backed by a
// BoltDB file, backed in turn by the Postgres store for genuine misses and
// for durability across restarts of the BoltDB file itself.
type Cache struct {
	db    *bbolt.DB
	store *store.Store

	mu       sync.RWMutex
	byID     map[string]model.NamedTask
	byIdentity map[string]string // "namespace/name@version" -> named_task_id

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens the BoltDB file at dbPath and constructs a Cache
// backed by st. meter may be nil in tests (nil histograms/counters from a
// no-op meter are safe to call).
func Open(dbPath string, st *store.Store, meter metric.Meter) (*Cache, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout:      1 * time.Second,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNamedTasks)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	if meter == nil {
		meter = otel.GetMeterProvider().Meter("tasker-templatecache")
	}
	readLatency, _ := meter.Float64Histogram("tasker_templatecache_read_ms")
	writeLatency, _ := meter.Float64Histogram("tasker_templatecache_write_ms")
	cacheHits, _ := meter.Int64Counter("tasker_templatecache_hits_total")
	cacheMisses, _ := meter.Int64Counter("tasker_templatecache_misses_total")

	c := &Cache{
		db:           db,
		store:        st,
		byID:         make(map[string]model.NamedTask),
		byIdentity:   make(map[string]string),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	return c, nil
}

// Close releases the BoltDB file.
func (c *Cache) Close() error {
	return c.db.Close()
}

func identityKey(namespace, name, version string) string {
	return fmt.Sprintf("%s/%s@%s", namespace, name, version)
}

// Warm loads every template from Postgres into both the BoltDB file and the
// in-memory hot map, mirroring the teacher's startup warmCache call.
func (c *Cache) Warm(ctx context.Context) error {
	templates, err := c.store.ListNamedTasks(ctx)
	if err != nil {
		return fmt.Errorf("list named tasks: %w", err)
	}
	for _, nt := range templates {
		if err := c.put(nt); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves a template by named_task_id: in-memory hot map, then BoltDB,
// then Postgres as the read-through fallback. A Postgres hit repopulates
// both caches so the next lookup is local.
func (c *Cache) Get(ctx context.Context, namedTaskID string) (*model.NamedTask, error) {
	start := time.Now()
	defer func() {
		c.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	c.mu.RLock()
	if nt, ok := c.byID[namedTaskID]; ok {
		c.mu.RUnlock()
		c.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", "memory")))
		return &nt, nil
	}
	c.mu.RUnlock()

	if nt, ok, err := c.getFromBolt(namedTaskID); err != nil {
		return nil, err
	} else if ok {
		c.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", "bolt")))
		c.mu.Lock()
		c.byID[namedTaskID] = nt
		c.mu.Unlock()
		return &nt, nil
	}

	c.cacheMisses.Add(ctx, 1)
	nt, err := c.store.GetNamedTask(ctx, namedTaskID)
	if err != nil {
		return nil, err
	}
	if err := c.put(*nt); err != nil {
		return nil, err
	}
	return nt, nil
}

// ResolveByIdentity looks up a template by its (namespace, name, version)
// triple, the key a task-creation request actually supplies.
func (c *Cache) ResolveByIdentity(ctx context.Context, namespace, name, version string) (*model.NamedTask, error) {
	key := identityKey(namespace, name, version)
	c.mu.RLock()
	id, ok := c.byIdentity[key]
	c.mu.RUnlock()
	if ok {
		return c.Get(ctx, id)
	}
	// Not yet warmed locally: fall through to a full Warm so the identity
	// index picks up templates created since the last warm.
	if err := c.Warm(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	id, ok = c.byIdentity[key]
	c.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Get(ctx, id)
}

// Put writes a template through to Postgres, then repopulates both local
// caches — used when a new template is registered at runtime rather than
// at boot.
func (c *Cache) Put(ctx context.Context, nt model.NamedTask) error {
	start := time.Now()
	defer func() {
		c.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()
	if err := c.store.CreateNamedTask(ctx, nt); err != nil {
		return err
	}
	return c.put(nt)
}

func (c *Cache) put(nt model.NamedTask) error {
	data, err := json.Marshal(nt)
	if err != nil {
		return fmt.Errorf("marshal named task: %w", err)
	}
	if err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNamedTasks).Put([]byte(nt.NamedTaskID), data)
	}); err != nil {
		return fmt.Errorf("write named task: %w", err)
	}

	c.mu.Lock()
	c.byID[nt.NamedTaskID] = nt
	c.byIdentity[identityKey(nt.Namespace, nt.Name, nt.Version)] = nt.NamedTaskID
	c.mu.Unlock()
	return nil
}

func (c *Cache) getFromBolt(namedTaskID string) (model.NamedTask, bool, error) {
	var nt model.NamedTask
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketNamedTasks).Get([]byte(namedTaskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &nt)
	})
	return nt, found, err
}
