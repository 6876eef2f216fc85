package feed

import (
	"context"
	"sync"

	"schoolhub/pkg/types"
)

// stream is the ChangeStream shared by both feeds
type stream struct {
	events    chan types.UserCreatedEvent
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*stream) error
	closeErr  error
}

func newStream(onClose func(*stream) error) *stream {
	return &stream{
		events:  make(chan types.UserCreatedEvent, streamBuffer),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *stream) Events() <-chan types.UserCreatedEvent { return s.events }

func (s *stream) Err() <-chan error { return s.errs }

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.closeErr = s.onClose(s)
		}
	})
	return s.closeErr
}

// deliver blocks until the consumer takes evt, the stream closes or ctx ends
func (s *stream) deliver(ctx context.Context, evt types.UserCreatedEvent) error {
	select {
	case s.events <- evt:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records the first error; later errors are dropped until the stream is replaced
func (s *stream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
