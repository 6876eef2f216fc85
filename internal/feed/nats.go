package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

// DefaultSubject carries one JSON UserCreatedEvent per message
const DefaultSubject = "directory.user.created"

// ErrFeedDisconnected is reported on open streams when the NATS connection drops
var ErrFeedDisconnected = errors.New("change feed disconnected")

// NatsFeed is a change feed over a core NATS subject. Core subjects have no
// persistence, so events published while a stream is closed are lost.
type NatsFeed struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger

	mu      sync.Mutex
	streams map[*nats.Subscription]*stream
}

// ConnectNats dials url and returns a feed bound to subject
func ConnectNats(url, subject string, logger *slog.Logger) (*NatsFeed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	f := &NatsFeed{
		subject: subject,
		logger:  logger.With("component", "nats_feed", "subject", subject),
		streams: make(map[*nats.Subscription]*stream),
	}

	nc, err := nats.Connect(url,
		nats.Name("schoolhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				return
			}
			f.logger.Warn("NATS disconnected", "error", err)
			f.failAll(errors.Wrap(ErrFeedDisconnected, err.Error()))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			f.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			f.failAll(interfaces.ErrFeedClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			f.logger.Warn("NATS subscription error", "error", err)
			f.failSub(sub, err)
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", url)
	}
	f.nc = nc
	return f, nil
}

// Subscribe opens a core subscription on the feed subject
func (f *NatsFeed) Subscribe(ctx context.Context) (interfaces.ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.nc.IsClosed() {
		return nil, interfaces.ErrFeedClosed
	}

	msgs := make(chan *nats.Msg, streamBuffer)
	sub, err := f.nc.ChanSubscribe(f.subject, msgs)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to change feed")
	}

	s := newStream(func(*stream) error {
		f.mu.Lock()
		delete(f.streams, sub)
		f.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			return errors.Wrap(err, "unsubscribe from change feed")
		}
		return nil
	})

	f.mu.Lock()
	f.streams[sub] = s
	f.mu.Unlock()

	go f.pump(msgs, s)
	return s, nil
}

// pump decodes messages onto the stream. Undecodable messages are skipped.
func (f *NatsFeed) pump(msgs <-chan *nats.Msg, s *stream) {
	for {
		select {
		case msg := <-msgs:
			evt, err := decodeEvent(msg.Data)
			if err != nil {
				f.logger.Warn("skipping malformed change event", "error", err)
				continue
			}
			select {
			case s.events <- evt:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

// Publish sends evt on the feed subject
func (f *NatsFeed) Publish(ctx context.Context, evt types.UserCreatedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "encode change event")
	}
	if err := f.nc.Publish(f.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return interfaces.ErrFeedClosed
		}
		return errors.Wrap(err, "publish change event")
	}
	return nil
}

// Connected reports whether the NATS connection is currently up
func (f *NatsFeed) Connected() bool {
	return f.nc.IsConnected()
}

// Close drains outstanding messages and closes the connection
func (f *NatsFeed) Close() error {
	if f.nc.IsClosed() {
		return nil
	}
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
		return errors.Wrap(err, "drain NATS connection")
	}
	return nil
}

func (f *NatsFeed) failAll(err error) {
	f.mu.Lock()
	targets := make([]*stream, 0, len(f.streams))
	for _, s := range f.streams {
		targets = append(targets, s)
	}
	f.mu.Unlock()

	for _, s := range targets {
		s.fail(err)
	}
}

func (f *NatsFeed) failSub(sub *nats.Subscription, err error) {
	f.mu.Lock()
	s, ok := f.streams[sub]
	f.mu.Unlock()
	if ok {
		s.fail(err)
	}
}

func decodeEvent(data []byte) (types.UserCreatedEvent, error) {
	var evt types.UserCreatedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, errors.Wrap(err, "decode change event")
	}
	if evt.User.ID == "" {
		return evt, errors.New("change event has no user id")
	}
	return evt, nil
}
