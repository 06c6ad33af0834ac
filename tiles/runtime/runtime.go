package runtime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tiledepot/tilekit/tiles/cache"
	"github.com/tiledepot/tilekit/tiles/source"
	"github.com/tiledepot/tilekit/tiles/vpl"
)

// CacheKind names a cache location: in memory, or on disk. TilesRuntime
// records it in CacheType; its shared leaf cache is held in memory for
// either kind.
type CacheKind int

const (
	CacheInMemory CacheKind = iota
	CacheDisk
)

// CacheType is the runtime's recorded cache configuration: in-memory, or
// on-disk rooted at Path. New stores it on RuntimeInner; no cache reads
// it, and nothing is written under Path.
type CacheType struct {
	Kind CacheKind
	Path string
}

// EventKind classifies an event emitted on TilesRuntime's event bus.
type EventKind int

const (
	EventStep EventKind = iota
	EventWarning
	EventError
)

// Event is one message published to the runtime's event bus.
type Event struct {
	Kind    EventKind
	Message string
}

// EventBus fans out runtime Events to zero or more subscribers; grounded
// on the teacher's zap-based structured logging (caddy/pmtiles_proxy.go)
// generalized into a pub/sub so both the CLI and the HTTP server can
// observe the same stream.
type EventBus struct {
	logger      *zap.Logger
	mu          sync.Mutex
	subscribers []chan Event
}

// NewEventBus wraps logger (created with zap.NewProduction/zap.NewDevelopment
// by the caller) as the bus's always-on sink.
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// Subscribe returns a channel that receives every future event; the
// caller must drain it to avoid blocking Publish.
func (b *EventBus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish logs ev and forwards it to every subscriber (non-blocking; a
// full subscriber channel drops the event rather than stalling the
// publisher).
func (b *EventBus) Publish(ev Event) {
	switch ev.Kind {
	case EventError:
		b.logger.Error(ev.Message)
	case EventWarning:
		b.logger.Warn(ev.Message)
	default:
		b.logger.Info(ev.Message)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// RuntimeInner is the shared state behind every cloned TilesRuntime
// handle.
type RuntimeInner struct {
	CacheType       CacheType
	Registry        *ContainerRegistry
	Events          *EventBus
	ProgressFactory *ProgressFactory
	leafCache       *cache.LimitedCache[string, cacheBlob]
}

type cacheBlob struct{ data []byte }

func (b cacheBlob) SizeBytes() int { return len(b.data) }

// TilesRuntime is a cheap-to-clone handle wrapping *RuntimeInner, per
// spec.md §3's lifecycle note ("Runtime is created at process start;
// caches and registry live as long as it does").
type TilesRuntime struct {
	inner      *RuntimeInner
	vplFactory *vpl.Factory
}

// Options configures New.
type Options struct {
	CacheType      CacheType
	Logger         *zap.Logger
	LeafCacheBytes int
}

// New builds a TilesRuntime: a registry of container format handlers, an
// event bus, a progress-bar factory, and a shared leaf cache
// (sized per §4.4/§4.10 but general-purpose across any byte-range cache
// user, not just PMTiles).
func New(opts Options) *TilesRuntime {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	leafCacheBytes := opts.LeafCacheBytes
	if leafCacheBytes <= 0 {
		leafCacheBytes = 100 << 20 // 100 MiB, spec.md §4.4's leaf-cache budget
	}
	inner := &RuntimeInner{
		CacheType:       opts.CacheType,
		Events:          NewEventBus(logger),
		ProgressFactory: NewProgressFactory(),
		leafCache:       cache.NewLimitedCache[string, cacheBlob](leafCacheBytes),
	}
	inner.Registry = NewContainerRegistry()
	factory := vpl.NewFactory(inner.Registry)
	inner.Registry.SetVPLFactory(factory.OperationFromVPL)
	return &TilesRuntime{inner: inner, vplFactory: factory}
}

// VPLFactory returns the runtime's pipeline factory, for callers that
// build a TileSource DAG directly from VPL text rather than through a
// "vpl:" driver-prefixed URI.
func (r *TilesRuntime) VPLFactory() *vpl.Factory { return r.vplFactory }

// Registry returns the runtime's format registry.
func (r *TilesRuntime) Registry() *ContainerRegistry { return r.inner.Registry }

// Events returns the runtime's event bus.
func (r *TilesRuntime) Events() *EventBus { return r.inner.Events }

// Progress returns the runtime's progress-bar factory.
func (r *TilesRuntime) Progress() *ProgressFactory { return r.inner.ProgressFactory }

// OpenReader resolves uri through the runtime's registry, publishing a
// step event either way.
func (r *TilesRuntime) OpenReader(ctx context.Context, uri string) (source.TileSource, error) {
	src, err := r.inner.Registry.GetReaderFromString(ctx, uri)
	if err != nil {
		r.inner.Events.Publish(Event{Kind: EventError, Message: fmt.Sprintf("open %s: %v", uri, err)})
		return nil, err
	}
	r.inner.Events.Publish(Event{Kind: EventStep, Message: fmt.Sprintf("opened %s", uri)})
	return src, nil
}

// CachedLeaf returns a previously cached decompressed leaf-directory blob
// for key, if present and not evicted.
func (r *TilesRuntime) CachedLeaf(key string) ([]byte, bool) {
	v, ok := r.inner.leafCache.Get(key)
	if !ok {
		return nil, false
	}
	return v.data, true
}

// PutCachedLeaf stores data under key in the shared leaf cache.
func (r *TilesRuntime) PutCachedLeaf(key string, data []byte) {
	r.inner.leafCache.Put(key, cacheBlob{data: data})
}
