package gate

import (
	"context"
	"fmt"
	"sync"
)

// ImageLocks serializes the first pull of each (platform, image tag) pair.
// The first deployer holds the lock until it has observed its container
// running, which proves the image is cached on the node; later deployers
// acquire and release immediately. When a first deployer fails, the failure
// is broadcast and the next waiter is promoted to first deployer so nobody
// inherits a broken pull attempt.
type ImageLocks struct {
	mu    sync.Mutex
	locks map[string]*imageLock
}

type imageLock struct {
	cached  bool
	held    bool
	waiters []chan struct{}
}

// ImageLease is the caller's handle on an acquired image lock.
type ImageLease struct {
	registry *ImageLocks
	key      string

	// FirstDeployer is true when this caller must wait for its container
	// to run before releasing, so the pull result is proven.
	FirstDeployer bool

	released bool
}

// NewImageLocks builds an empty lock registry.
func NewImageLocks() *ImageLocks {
	return &ImageLocks{locks: make(map[string]*imageLock)}
}

func key(platform, tag string) string {
	return platform + "/" + tag
}

// Acquire obtains the pull lock for (platform, tag). It blocks while another
// caller is the in-flight first deployer, honoring ctx cancellation.
func (r *ImageLocks) Acquire(ctx context.Context, platform, tag string) (*ImageLease, error) {
	k := key(platform, tag)

	for {
		r.mu.Lock()
		l, ok := r.locks[k]
		if !ok {
			l = &imageLock{}
			r.locks[k] = l
		}

		if l.cached {
			// Image already proven on the node; no serialization needed.
			r.mu.Unlock()
			return &ImageLease{registry: r, key: k, FirstDeployer: false}, nil
		}

		if !l.held {
			l.held = true
			r.mu.Unlock()
			return &ImageLease{registry: r, key: k, FirstDeployer: true}, nil
		}

		wait := make(chan struct{})
		l.waiters = append(l.waiters, wait)
		r.mu.Unlock()

		select {
		case <-wait:
			// Woken by release or broadcast failure; re-evaluate.
		case <-ctx.Done():
			r.dropWaiter(k, wait)
			return nil, fmt.Errorf("image pull lock %s: %w", k, ctx.Err())
		}
	}
}

func (r *ImageLocks) dropWaiter(k string, wait chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[k]
	if !ok {
		return
	}
	for i, w := range l.waiters {
		if w == wait {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// Release ends the lease. A first deployer passes pullErr=nil once it saw
// the container running, marking the image cached; a non-nil pullErr resets
// the lock and wakes all waiters so one of them retries as first deployer.
func (l *ImageLease) Release(pullErr error) {
	if l.released {
		return
	}
	l.released = true

	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[l.key]
	if !ok {
		return
	}

	if !l.FirstDeployer {
		return
	}

	lock.held = false
	if pullErr == nil {
		lock.cached = true
	}
	for _, w := range lock.waiters {
		close(w)
	}
	lock.waiters = nil
}

// Cached reports whether the image for (platform, tag) is already proven.
func (r *ImageLocks) Cached(platform, tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key(platform, tag)]
	return ok && l.cached
}
