// Package writequeue serializes writes to the backing store.
//
// Mutations are enqueued with a (timestamp, sequence) key and drained one at
// a time, oldest first: load the collection, apply the payload (merge or
// replace), store it back. A failed drain leaves the request at the head so
// it is retried on the next tick.
package writequeue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "calenbot/pkg/logx"
)

type Mode int

const (
	// Merge applies payload keys onto the stored mapping. A nil value
	// deletes the key.
	Merge Mode = iota
	// Replace discards the stored document.
	Replace
)

func (m Mode) String() string {
	if m == Replace {
		return "replace"
	}
	return "merge"
}

// Backend is the part of storage.Store the queue needs.
type Backend interface {
	Get(ctx context.Context, collection string) (any, error)
	Put(ctx context.Context, collection string, doc any) error
}

// Key orders requests. Seq breaks ties between requests submitted within
// the same clock reading.
type Key struct {
	Nanos int64
	Seq   uint64
}

func (k Key) Less(o Key) bool {
	if k.Nanos != o.Nanos {
		return k.Nanos < o.Nanos
	}
	return k.Seq < o.Seq
}

type Request struct {
	Key        Key
	Collection string
	Payload    any
	Mode       Mode
}

// Applied describes one successful drain.
type Applied struct {
	Request Request
	Took    time.Duration
}

type Queue struct {
	backend Backend
	log     logx.Logger
	now     func() time.Time
	seq     atomic.Uint64

	mu      sync.Mutex // guards pending
	pending requestHeap

	drainMu sync.Mutex // one drain at a time

	// OnApplied and OnFailed run after each drain attempt (optional).
	OnApplied func(Applied)
	OnFailed  func(Request, error)
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(backend Backend, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{backend: backend, log: log.With(logx.String("comp", "writequeue")), now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends a request and returns its key.
func (q *Queue) Enqueue(collection string, payload any, mode Mode) Key {
	k := Key{Nanos: q.now().UnixNano(), Seq: q.seq.Add(1)}
	q.mu.Lock()
	heap.Push(&q.pending, Request{Key: k, Collection: collection, Payload: payload, Mode: mode})
	n := q.pending.Len()
	q.mu.Unlock()
	q.log.Debug("write enqueued",
		logx.String("collection", collection),
		logx.String("mode", mode.String()),
		logx.Int("pending", n),
	)
	return k
}

// Len is the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// DrainOne applies the oldest request. It reports false when the queue was
// empty. On error the request stays queued.
func (q *Queue) DrainOne(ctx context.Context) (bool, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	if q.pending.Len() == 0 {
		q.mu.Unlock()
		return false, nil
	}
	req := q.pending[0]
	q.mu.Unlock()

	start := time.Now()
	if err := q.apply(ctx, req); err != nil {
		if q.OnFailed != nil {
			q.OnFailed(req, err)
		}
		return true, fmt.Errorf("drain %s: %w", req.Collection, err)
	}

	// A concurrent Enqueue may have landed ahead of req (clock step back).
	q.mu.Lock()
	for i := range q.pending {
		if q.pending[i].Key == req.Key {
			heap.Remove(&q.pending, i)
			break
		}
	}
	q.mu.Unlock()

	if q.OnApplied != nil {
		q.OnApplied(Applied{Request: req, Took: time.Since(start)})
	}
	return true, nil
}

func (q *Queue) apply(ctx context.Context, req Request) error {
	var doc any
	switch req.Mode {
	case Replace:
		doc = req.Payload
	default:
		cur, err := q.backend.Get(ctx, req.Collection)
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		doc = mergeDoc(cur, req.Payload)
	}
	if err := q.backend.Put(ctx, req.Collection, doc); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// mergeDoc merges payload into cur key by key. When either side is not a
// mapping the payload replaces cur wholesale.
func mergeDoc(cur, payload any) any {
	dst, ok := cur.(map[string]any)
	if !ok {
		return payload
	}
	src, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Drain applies requests until the queue is empty or one fails.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := q.DrainOne(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Run drains the queue every tick until ctx is done, then makes one final
// attempt to flush what is left.
func (q *Queue) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := q.Drain(fctx); err != nil {
				q.log.Warn("final drain failed", logx.Err(err), logx.Int("pending", q.Len()))
			}
			cancel()
			return nil
		case <-t.C:
			if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("drain failed; will retry", logx.Err(err), logx.Int("pending", q.Len()))
			}
		}
	}
}

type requestHeap []Request

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return h[i].Key.Less(h[j].Key) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)        { *h = append(*h, x.(Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
