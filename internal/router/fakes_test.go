package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

type fakeDirectory struct {
	users map[string]*types.UserSummary
	err   error
}

func newFakeDirectory(users ...*types.UserSummary) *fakeDirectory {
	d := &fakeDirectory{users: map[string]*types.UserSummary{}}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) FindByID(ctx context.Context, id string) (*types.UserSummary, error) {
	if d.err != nil {
		return nil, d.err
	}
	u, ok := d.users[id]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	return u, nil
}

func (d *fakeDirectory) FindByRoles(ctx context.Context, roles []string) ([]*types.UserSummary, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []*types.UserSummary
	for _, u := range d.users {
		for _, role := range roles {
			if u.Role == role {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeStore struct {
	mu        sync.Mutex
	messages  map[string]*types.PersistedMessage
	createErr error
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: map[string]*types.PersistedMessage{}}
}

func (s *fakeStore) CreateMessage(ctx context.Context, m *types.PersistedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *fakeStore) FindDuplicateMessage(ctx context.Context, sender, receiver, content string, since time.Time) (*types.PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.PersistedMessage
	for _, m := range s.messages {
		if m.Sender == sender && m.Receiver == receiver && m.Content == content && !m.CreatedAt.Before(since) {
			if best == nil || m.CreatedAt.After(best.CreatedAt) {
				best = m
			}
		}
	}
	if best == nil {
		return nil, interfaces.ErrMessageNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *fakeStore) FindMessageByID(ctx context.Context, id string) (*types.PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, interfaces.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeStore) SaveMessage(ctx context.Context, m *types.PersistedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, ok := s.messages[m.ID]; !ok {
		return interfaces.ErrMessageNotFound
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *fakeStore) ListInbox(ctx context.Context, receiver string, limit int) ([]*types.PersistedMessage, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeStore) get(id string) *types.PersistedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}
