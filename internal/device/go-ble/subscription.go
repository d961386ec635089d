package goble

import (
	"sync"

	"github.com/srg/bgble/internal/device"
)

// DefaultChannelBuffer is the buffer size of a notification channel.
const DefaultChannelBuffer = 128

// subscription forwards go-ble notifications in arrival order. A full channel blocks the
// radio callback instead of dropping values.
type subscription struct {
	ch       chan device.Notification
	done     chan struct{}
	stopOnce sync.Once
	onRemove func()

	mu     sync.Mutex
	closed bool
}

func newSubscription(size int) *subscription {
	return &subscription{
		ch:   make(chan device.Notification, size),
		done: make(chan struct{}),
	}
}

func (s *subscription) C() <-chan device.Notification {
	return s.ch
}

// Remove disables notifications and closes C.
func (s *subscription) Remove() {
	if s.terminate(nil) && s.onRemove != nil {
		s.onRemove()
	}
}

func (s *subscription) handle(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	n := device.Notification{Data: append([]byte(nil), data...)}
	select {
	case s.ch <- n:
	case <-s.done:
	}
}

// terminate closes C, sending err first when there is room. Reports whether this call closed it.
func (s *subscription) terminate(err error) bool {
	first := false
	s.stopOnce.Do(func() {
		first = true
		close(s.done)
	})
	if !first {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		select {
		case s.ch <- device.Notification{Err: err}:
		default:
		}
	}
	s.closed = true
	close(s.ch)
	return true
}
