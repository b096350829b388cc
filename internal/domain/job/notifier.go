// Package job holds queue-level helpers shared by workers: wake-up
// notifications for newly enqueued tasks.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until a job is enqueued and reports its type. An empty type
// means the wait ended without a specific notification (timeout or error).
type Waiter interface {
	WaitForNotification(ctx context.Context) (model.JobType, error)
}

// Notifier fans enqueue notifications out to worker subscriptions.
type Notifier interface {
	Subscribe(types []model.JobType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the behaviour of the default notifier implementation.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration
	Backoff    time.Duration
}

type subscription struct {
	ch    chan struct{}
	types map[model.JobType]struct{}
}

func (s *subscription) wants(jt model.JobType) bool {
	if jt == "" {
		return true
	}
	_, ok := s.types[jt]
	return ok
}

// DefaultNotifier runs one LISTEN loop and wakes the subscriptions that
// registered interest in the notified task type.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	cancel context.CancelFunc
}

// NewNotifier constructs the default notifier implementation.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	if opts.WaitWindow <= 0 {
		opts.WaitWindow = time.Minute
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}
	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		subs:       make(map[*subscription]struct{}),
	}, nil
}

// Subscribe returns an unsubscribe func and a channel signalled when a job of
// one of the given types may be available.
func (n *DefaultNotifier) Subscribe(types []model.JobType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := &subscription{
		ch:    make(chan struct{}, 1),
		types: make(map[model.JobType]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	n.subs[sub] = struct{}{}

	if n.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		go n.listenLoop(ctx)
	}

	unsub := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if _, ok := n.subs[sub]; !ok {
			return
		}
		delete(n.subs, sub)
		drainAndClose(sub.ch)
		if len(n.subs) == 0 && n.cancel != nil {
			n.cancel()
			n.cancel = nil
		}
	}
	return unsub, sub.ch
}

// StopAll stops the listen loop and closes every subscription channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	for sub := range n.subs {
		drainAndClose(sub.ch)
		delete(n.subs, sub)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		jt, err := n.waiter.WaitForNotification(waitCtx)
		cancel()

		// A timeout wakes everyone so delayed (scheduled_at) jobs are picked up.
		n.broadcast(jt)

		if err != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(jt model.JobType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for sub := range n.subs {
		if !sub.wants(jt) {
			continue
		}
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered notifications before closing the channel so
// receivers observe a closed channel immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)
