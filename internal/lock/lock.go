// Package lock implements the in-process locking used by the engine:
// keyed readers-writer locks for buckets, keys, versions, uploads and
// parts, plus counting limiters for scarce resources.
package lock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// exclusiveWeight is the semaphore weight of a writer. Readers weigh 1, so
// a writer waits for every reader and excludes new ones while queued.
const exclusiveWeight = 1 << 30

// Unlock releases a lock obtained from the Arbiter.
type Unlock func()

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Keyed is a set of readers-writer locks created on demand and dropped
// once nobody holds or waits for them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires id shared or exclusive, waiting until ctx is done.
func (k *Keyed) Lock(ctx context.Context, id string, exclusive bool) (Unlock, error) {
	w := int64(1)
	if exclusive {
		w = exclusiveWeight
	}

	k.mu.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(exclusiveWeight)}
		k.entries[id] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.sem.Acquire(ctx, w); err != nil {
		k.drop(id, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(w)
			k.drop(id, e)
		})
	}, nil
}

func (k *Keyed) drop(id string, e *entry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, id)
	}
	k.mu.Unlock()
}

// Len returns the number of live lock entries.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// Observer receives the time spent waiting for each lock.
type Observer func(scope string, wait time.Duration)

// Arbiter hands out the engine's locks. Lock scopes are independent; the
// engine always takes them in the order bucket, upload, part, object,
// version.
type Arbiter struct {
	buckets   *Keyed
	docs      *Keyed
	objects   *Keyed
	uploads   *Keyed
	parts     *Keyed
	manifests *Keyed
	observe   Observer
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithObserver reports lock wait times to fn.
func WithObserver(fn Observer) Option {
	return func(a *Arbiter) { a.observe = fn }
}

func New(opts ...Option) *Arbiter {
	a := &Arbiter{
		buckets:   NewKeyed(),
		docs:      NewKeyed(),
		objects:   NewKeyed(),
		uploads:   NewKeyed(),
		parts:     NewKeyed(),
		manifests: NewKeyed(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arbiter) lock(ctx context.Context, k *Keyed, scope, id string, exclusive bool) (Unlock, error) {
	start := time.Now()
	unlock, err := k.Lock(ctx, id, exclusive)
	if a.observe != nil && err == nil {
		a.observe(scope, time.Since(start))
	}
	return unlock, err
}

// Bucket locks a bucket. Create and delete take it exclusive; every object
// operation shares it.
func (a *Arbiter) Bucket(ctx context.Context, bucket string, exclusive bool) (Unlock, error) {
	return a.lock(ctx, a.buckets, "bucket", bucket, exclusive)
}

// BucketDoc serializes read-modify-write cycles on a bucket document
// while object operations keep sharing the bucket.
func (a *Arbiter) BucketDoc(ctx context.Context, bucket string) (Unlock, error) {
	return a.lock(ctx, a.docs, "bucket_doc", bucket, true)
}

// Object locks the unversioned (bucket, key) slot.
func (a *Arbiter) Object(ctx context.Context, bucket, key string, exclusive bool) (Unlock, error) {
	return a.lock(ctx, a.objects, "object", bucket+"\x00"+key, exclusive)
}

// Version locks one (bucket, key, version-id) of a versioned key.
func (a *Arbiter) Version(ctx context.Context, bucket, key, version string, exclusive bool) (Unlock, error) {
	return a.lock(ctx, a.objects, "version", bucket+"\x00"+key+"\x00"+version, exclusive)
}

// Upload locks a multipart upload. Part uploads share it; complete and
// abort take it exclusive.
func (a *Arbiter) Upload(ctx context.Context, uploadID string, exclusive bool) (Unlock, error) {
	return a.lock(ctx, a.uploads, "upload", uploadID, exclusive)
}

// Part serializes uploads of the same part number.
func (a *Arbiter) Part(ctx context.Context, uploadID string, partNumber int) (Unlock, error) {
	return a.lock(ctx, a.parts, "part", uploadID+"\x00"+strconv.Itoa(partNumber), true)
}

// Manifest serializes read-modify-write cycles on an upload manifest.
func (a *Arbiter) Manifest(ctx context.Context, uploadID string) (Unlock, error) {
	return a.lock(ctx, a.manifests, "manifest", uploadID, true)
}

// Limiter caps concurrent use of a resource. A nil or zero-sized Limiter
// never blocks.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a Limiter admitting n holders; n <= 0 means unlimited.
func NewLimiter(n int64) *Limiter {
	if n <= 0 {
		return &Limiter{}
	}
	return &Limiter{sem: semaphore.NewWeighted(n)}
}

// Acquire waits for a slot.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil || l.sem == nil {
		return func() {}, nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}
