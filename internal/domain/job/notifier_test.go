package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudigrade/cloudigrade/internal/domain/model"
)

// scriptedWaiter returns queued job types, then blocks until the context ends.
type scriptedWaiter struct {
	next chan model.JobType
}

func (w *scriptedWaiter) WaitForNotification(ctx context.Context) (model.JobType, error) {
	select {
	case jt := <-w.next:
		return jt, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func received(ch <-chan struct{}, within time.Duration) bool {
	select {
	case _, ok := <-ch:
		return ok
	case <-time.After(within):
		return false
	}
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	_, err := NewNotifier(NotifierOptions{})
	assert.ErrorIs(t, err, ErrWaiterRequired)
}

func TestNotifier_WakesOnlyInterestedSubscribers(t *testing.T) {
	waiter := &scriptedWaiter{next: make(chan model.JobType, 1)}
	n, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)
	defer n.StopAll()

	unsubA, inspection := n.Subscribe([]model.JobType{model.TaskCopyAMISnapshot, model.TaskCreateVolume})
	defer unsubA()
	unsubB, analyzer := n.Subscribe([]model.JobType{model.TaskAnalyzeLog})
	defer unsubB()

	waiter.next <- model.TaskCreateVolume

	assert.True(t, received(inspection, time.Second))
	assert.False(t, received(analyzer, 50*time.Millisecond))
}

func TestNotifier_TimeoutWakesEveryone(t *testing.T) {
	waiter := &scriptedWaiter{next: make(chan model.JobType)}
	n, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: 10 * time.Millisecond})
	require.NoError(t, err)
	defer n.StopAll()

	unsub, ch := n.Subscribe([]model.JobType{model.TaskAnalyzeLog})
	defer unsub()

	assert.True(t, received(ch, time.Second))
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &scriptedWaiter{next: make(chan model.JobType)}
	n, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)

	unsub, ch := n.Subscribe([]model.JobType{model.TaskAnalyzeLog})
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestNotifier_StopAllClosesChannels(t *testing.T) {
	waiter := &scriptedWaiter{next: make(chan model.JobType)}
	n, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: time.Hour})
	require.NoError(t, err)

	_, ch1 := n.Subscribe([]model.JobType{model.TaskAnalyzeLog})
	_, ch2 := n.Subscribe([]model.JobType{model.TaskCreateVolume})
	n.StopAll()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}
