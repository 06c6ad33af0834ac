// Package stream implements TileStream, the async coordinate-addressed
// stream type pipeline stages are built from, with parallel map/flat_map
// combinators per spec §4.2.
//
// The teacher (protomaps/go-pmtiles) has no async stream type of its own —
// it processes tiles in tight synchronous loops (pmtiles/convert.go,
// pmtiles/extract.go). TileStream generalizes that fan-out into a reusable
// abstraction, built on golang.org/x/sync/errgroup (already an indirect
// teacher dependency via gocloud.dev, exercised directly here).
package stream

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tiledepot/tilekit/tiles"
)

// Item is a single coordinate-addressed value flowing through a stream.
type Item[T any] struct {
	Coord tiles.TileCoord
	Value T
}

// Result wraps a per-tile outcome: either a value or an error, used by the
// *_try combinators so a single failing tile doesn't abort the stream.
type Result[T any] struct {
	Value T
	Err   error
}

// ConcurrencyLimits bounds how many tasks each stage class may run at once.
type ConcurrencyLimits struct {
	CPUBound int
	IOBound  int
	Mixed    int
}

// DefaultConcurrencyLimits derives limits from the number of logical CPUs,
// per spec §5: cpu_bound=cpus, io_bound=3*cpus, mixed=1.5*cpus.
func DefaultConcurrencyLimits() ConcurrencyLimits {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	mixed := n + n/2
	if mixed < 1 {
		mixed = 1
	}
	return ConcurrencyLimits{CPUBound: n, IOBound: 3 * n, Mixed: mixed}
}

// TileStream is an async stream of (TileCoord, T) pairs. It makes no
// ordering guarantee unless produced by a reader that declares an ordered
// Traversal. Dropping (cancelling) the stream aborts in-flight producers.
type TileStream[T any] struct {
	ch     <-chan Item[T]
	cancel context.CancelFunc
}

// Empty returns a stream that yields nothing.
func Empty[T any]() TileStream[T] {
	ch := make(chan Item[T])
	close(ch)
	return TileStream[T]{ch: ch, cancel: func() {}}
}

// FromSlice builds a stream over an in-memory slice of items, preserving
// order (used by tests and small fixed sources).
func FromSlice[T any](items []Item[T]) TileStream[T] {
	ch := make(chan Item[T], len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return TileStream[T]{ch: ch, cancel: func() {}}
}

// FromIterCoordParallel evaluates produce(coord) for every coord yielded by
// iterate, fanning out across limit workers; emitted order is not
// guaranteed (buffer_unordered semantics).
func FromIterCoordParallel[T any](ctx context.Context, iterate func(func(tiles.TileCoord) bool), limit int, produce func(context.Context, tiles.TileCoord) (T, error)) TileStream[Result[T]] {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Item[Result[T]], limit)

	coords := make(chan tiles.TileCoord, limit)
	go func() {
		defer close(coords)
		iterate(func(c tiles.TileCoord) bool {
			select {
			case coords <- c:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	var wg sync.WaitGroup
	if limit < 1 {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range coords {
				v, err := produce(ctx, c)
				select {
				case out <- Item[Result[T]]{Coord: c, Value: Result[T]{Value: v, Err: err}}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return TileStream[Result[T]]{ch: out, cancel: cancel}
}

// FromStreams merges multiple streams of the same type into one, preserving
// no particular order across sources.
func FromStreams[T any](streams ...TileStream[T]) TileStream[T] {
	out := make(chan Item[T])
	var wg sync.WaitGroup
	cancels := make([]context.CancelFunc, 0, len(streams))
	for _, s := range streams {
		if s.cancel != nil {
			cancels = append(cancels, s.cancel)
		}
		wg.Add(1)
		go func(s TileStream[T]) {
			defer wg.Done()
			for it := range s.ch {
				out <- it
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return TileStream[T]{ch: out, cancel: func() {
		for _, c := range cancels {
			c()
		}
	}}
}

// Next pulls the next item off the stream, returning ok=false at end of
// stream.
func (s TileStream[T]) Next() (Item[T], bool) {
	it, ok := <-s.ch
	return it, ok
}

// Close cancels any in-flight producers feeding this stream.
func (s TileStream[T]) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// ToVec drains the stream into a slice, in arrival order.
func (s TileStream[T]) ToVec() []Item[T] {
	out := make([]Item[T], 0)
	for it := range s.ch {
		out = append(out, it)
	}
	return out
}

// DrainAndCount consumes the stream for its side effects and returns the
// item count.
func (s TileStream[T]) DrainAndCount() int {
	n := 0
	for range s.ch {
		n++
	}
	return n
}

// Map applies f to every item's value, order-preserving, single-threaded.
func Map[T, U any](s TileStream[T], f func(tiles.TileCoord, T) U) TileStream[U] {
	out := make(chan Item[U])
	go func() {
		defer close(out)
		for it := range s.ch {
			out <- Item[U]{Coord: it.Coord, Value: f(it.Coord, it.Value)}
		}
	}()
	return TileStream[U]{ch: out, cancel: s.cancel}
}

// MapCoord rewrites each item's coordinate, leaving the value untouched.
func MapCoord[T any](s TileStream[T], f func(tiles.TileCoord) tiles.TileCoord) TileStream[T] {
	out := make(chan Item[T])
	go func() {
		defer close(out)
		for it := range s.ch {
			out <- Item[T]{Coord: f(it.Coord), Value: it.Value}
		}
	}()
	return TileStream[T]{ch: out, cancel: s.cancel}
}

// FilterCoord keeps only items whose coord satisfies keep.
func FilterCoord[T any](s TileStream[T], keep func(tiles.TileCoord) bool) TileStream[T] {
	out := make(chan Item[T])
	go func() {
		defer close(out)
		for it := range s.ch {
			if keep(it.Coord) {
				out <- it
			}
		}
	}()
	return TileStream[T]{ch: out, cancel: s.cancel}
}

// Inspect runs f for its side effect on every item, order-preserving,
// passing every item through unchanged.
func Inspect[T any](s TileStream[T], f func(tiles.TileCoord, T)) TileStream[T] {
	out := make(chan Item[T])
	go func() {
		defer close(out)
		for it := range s.ch {
			f(it.Coord, it.Value)
			out <- it
		}
	}()
	return TileStream[T]{ch: out, cancel: s.cancel}
}

// FilterValue keeps only items whose value satisfies keep.
func FilterValue[T any](s TileStream[T], keep func(T) bool) TileStream[T] {
	out := make(chan Item[T])
	go func() {
		defer close(out)
		for it := range s.ch {
			if keep(it.Value) {
				out <- it
			}
		}
	}()
	return TileStream[T]{ch: out, cancel: s.cancel}
}

// MapParallelTry schedules f across limit concurrent workers (CPU-bound
// pool per spec §4.2); a failing item becomes a Result with Err set rather
// than aborting the stream.
func MapParallelTry[T, U any](ctx context.Context, s TileStream[T], limit int, f func(context.Context, tiles.TileCoord, T) (U, error)) TileStream[Result[U]] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Item[Result[U]], limit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	go func() {
		for it := range s.ch {
			it := it
			g.Go(func() error {
				v, err := f(gctx, it.Coord, it.Value)
				select {
				case out <- Item[Result[U]]{Coord: it.Coord, Value: Result[U]{Value: v, Err: err}}:
				case <-ctx.Done():
				}
				return nil
			})
		}
		g.Wait()
		close(out)
	}()

	return TileStream[Result[U]]{ch: out, cancel: cancel}
}

// FlatMapParallelTry is like MapParallelTry but f returns a sub-stream
// whose items are flattened into the output; a producer error surfaces as
// a single (coord, Err) item.
func FlatMapParallelTry[T, U any](ctx context.Context, s TileStream[T], limit int, f func(context.Context, tiles.TileCoord, T) (TileStream[U], error)) TileStream[Result[U]] {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Item[Result[U]], limit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	go func() {
		for it := range s.ch {
			it := it
			g.Go(func() error {
				inner, err := f(gctx, it.Coord, it.Value)
				if err != nil {
					select {
					case out <- Item[Result[U]]{Coord: it.Coord, Value: Result[U]{Err: err}}:
					case <-ctx.Done():
					}
					return nil
				}
				for innerIt := range inner.ch {
					select {
					case out <- Item[Result[U]]{Coord: innerIt.Coord, Value: Result[U]{Value: innerIt.Value}}:
					case <-ctx.Done():
						return nil
					}
				}
				return nil
			})
		}
		g.Wait()
		close(out)
	}()

	return TileStream[Result[U]]{ch: out, cancel: cancel}
}

// UnwrapResults converts a Result stream back into a plain-value stream,
// collecting encountered errors via onError (called synchronously, in
// arrival order). Items whose Result carries an error are dropped from the
// output.
func UnwrapResults[T any](s TileStream[Result[T]], onError func(tiles.TileCoord, error)) TileStream[T] {
	out := make(chan Item[T])
	go func() {
		defer close(out)
		for it := range s.ch {
			if it.Value.Err != nil {
				if onError != nil {
					onError(it.Coord, it.Value.Err)
				}
				continue
			}
			out <- Item[T]{Coord: it.Coord, Value: it.Value.Value}
		}
	}()
	return TileStream[T]{ch: out, cancel: s.cancel}
}
