package feed

import (
	"context"
	"sync"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

const streamBuffer = 64

// MemoryFeed is an in-process change feed. Events published while no stream
// is subscribed are dropped.
type MemoryFeed struct {
	mu      sync.Mutex
	streams map[*stream]struct{}
	closed  bool
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{streams: make(map[*stream]struct{})}
}

// Subscribe opens a stream that receives every event published from now on
func (f *MemoryFeed) Subscribe(ctx context.Context) (interfaces.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, interfaces.ErrFeedClosed
	}

	s := newStream(func(s *stream) error {
		f.mu.Lock()
		delete(f.streams, s)
		f.mu.Unlock()
		return nil
	})
	f.streams[s] = struct{}{}
	return s, nil
}

// Publish hands evt to every open stream
func (f *MemoryFeed) Publish(ctx context.Context, evt types.UserCreatedEvent) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return interfaces.ErrFeedClosed
	}
	targets := f.snapshot()
	f.mu.Unlock()

	for _, s := range targets {
		if err := s.deliver(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Break reports err on every open stream, as a broken upstream channel would
func (f *MemoryFeed) Break(err error) {
	f.mu.Lock()
	targets := f.snapshot()
	f.mu.Unlock()

	for _, s := range targets {
		s.fail(err)
	}
}

// Subscribers returns the number of open streams
func (f *MemoryFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// Close fails all open streams and rejects further use
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	targets := f.snapshot()
	f.mu.Unlock()

	for _, s := range targets {
		s.fail(interfaces.ErrFeedClosed)
	}
	return nil
}

func (f *MemoryFeed) snapshot() []*stream {
	out := make([]*stream, 0, len(f.streams))
	for s := range f.streams {
		out = append(out, s)
	}
	return out
}
