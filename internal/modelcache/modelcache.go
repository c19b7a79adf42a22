// Package modelcache discovers which models each configured credential may
// serve and keeps that mapping fresh in the background, generalizing the
// teacher's MultiClient.getOrDiscoverProjectID pointer-swap cache from
// per-credential project IDs to per-credential model sets.
package modelcache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"gcli2api/internal/provider"
	"gcli2api/internal/state"
)

// table is the immutable snapshot readers see. A refresh builds a new one
// and atomically swaps the pointer; in-flight readers keep their old
// snapshot for the duration of one dispatch.
type table struct {
	modelToCredentials map[string][]string // "provider/model" -> []credential
	providerToModels   map[string][]string // provider -> []bare model
}

// snapshot is the JSON-serializable form of a table, persisted to
// internal/state for warm starts across restarts.
type snapshot struct {
	ModelToCredentials map[string][]string `json:"model_to_credentials"`
	ProviderToModels   map[string][]string `json:"provider_to_models"`
}

// Cache holds the current discovery table and refreshes it periodically.
type Cache struct {
	registry *provider.Registry
	interval time.Duration
	store    *state.Store // optional, for warm-start snapshots

	cur         atomic.Pointer[table]
	ready       chan struct{}
	once        sync.Once
	lastRefresh atomic.Int64 // unix seconds of last successful refresh

	stop chan struct{}
	done chan struct{}
}

// New constructs a Cache. Start must be called to begin discovery. store
// may be nil, in which case no warm-start snapshot is loaded or saved.
func New(registry *provider.Registry, interval time.Duration, store *state.Store) *Cache {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Cache{
		registry: registry,
		interval: interval,
		store:    store,
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads a warm-start snapshot if one is available, so readers can be
// served immediately with a possibly stale table, then performs a
// synchronous refresh and loops, refreshing every interval until ctx is
// canceled or Close is called.
func (c *Cache) Start(ctx context.Context) {
	c.loadSnapshot(ctx)
	c.refresh(ctx)
	go c.loop(ctx)
}

func (c *Cache) loadSnapshot(ctx context.Context) {
	if c.store == nil {
		return
	}
	payload, ok, err := c.store.LoadModelCacheSnapshot(ctx)
	if err != nil || !ok {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		logrus.Warnf("[modelcache] discarding unreadable warm-start snapshot: %v", err)
		return
	}
	c.cur.Store(&table{
		modelToCredentials: snap.ModelToCredentials,
		providerToModels:   snap.ProviderToModels,
	})
	c.once.Do(func() { close(c.ready) })
	logrus.Info("[modelcache] served warm-start snapshot pending first live refresh")
}

func (c *Cache) saveSnapshot(next *table) {
	if c.store == nil {
		return
	}
	payload, err := json.Marshal(snapshot{
		ModelToCredentials: next.modelToCredentials,
		ProviderToModels:   next.providerToModels,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveModelCacheSnapshot(ctx, payload); err != nil {
		logrus.Warnf("[modelcache] saving warm-start snapshot: %v", err)
	}
}

func (c *Cache) loop(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-t.C:
			c.refresh(ctx)
		}
	}
}

// Close stops the background refresh loop.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
}

// refresh iterates every (provider, credential) pair, lists its models, and
// atomically swaps in a freshly built table. A failure on a single pair is
// logged and that pair is simply omitted; it never aborts the whole refresh.
func (c *Cache) refresh(ctx context.Context) {
	next := &table{
		modelToCredentials: make(map[string][]string),
		providerToModels:   make(map[string][]string),
	}
	seenModel := make(map[string]map[string]bool) // provider -> model set, for de-dup

	for _, name := range c.registry.Providers() {
		pool, ok := c.registry.Pool(name)
		if !ok {
			continue
		}
		if seenModel[name] == nil {
			seenModel[name] = make(map[string]bool)
		}
		for _, cred := range pool.Credentials {
			models, err := pool.Plugin.ListModels(ctx, cred)
			if err != nil {
				logrus.WithFields(logrus.Fields{"provider": name}).Warnf("[modelcache] list_models failed, omitting credential from refresh: %v", err)
				continue
			}
			for _, m := range models {
				qualified := provider.Qualify(name, m)
				next.modelToCredentials[qualified] = append(next.modelToCredentials[qualified], cred)
				if !seenModel[name][m] {
					seenModel[name][m] = true
					next.providerToModels[name] = append(next.providerToModels[name], m)
				}
			}
		}
	}

	c.cur.Store(next)
	c.lastRefresh.Store(time.Now().Unix())
	c.once.Do(func() { close(c.ready) })
	c.saveSnapshot(next)
}

// Age reports how long it has been since the last successful refresh. It
// returns 0 before the first refresh completes.
func (c *Cache) Age() time.Duration {
	last := c.lastRefresh.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(last, 0))
}

// CredentialsFor blocks until the first population completes, then returns
// the credentials eligible to serve qualifiedModel ("provider/model-id").
func (c *Cache) CredentialsFor(ctx context.Context, qualifiedModel string) ([]string, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	t := c.cur.Load()
	creds := t.modelToCredentials[qualifiedModel]
	out := make([]string, len(creds))
	copy(out, creds)
	return out, nil
}

// ModelsFor blocks until the first population completes, then returns the
// bare model IDs known for provider.
func (c *Cache) ModelsFor(ctx context.Context, providerName string) ([]string, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	t := c.cur.Load()
	models := t.providerToModels[providerName]
	out := make([]string, len(models))
	copy(out, models)
	return out, nil
}

// QualifiedModels blocks until the first population completes, then
// returns every "provider/model-id" currently servable by at least one
// credential, for the /v1/models listing endpoint.
func (c *Cache) QualifiedModels(ctx context.Context) ([]string, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	t := c.cur.Load()
	out := make([]string, 0, len(t.modelToCredentials))
	for m := range t.modelToCredentials {
		out = append(out, m)
	}
	return out, nil
}

func (c *Cache) awaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
