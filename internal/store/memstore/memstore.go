// Package memstore is an in-memory store.Store used by tests and by
// ephemeral runs (db_path ":memory:").
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/crew/internal/store"
	"github.com/rendis/crew/pkg/schema"
)

// Store keeps every record in maps guarded by one mutex. Records are copied
// on the way in and out so callers never share memory with the store.
type Store struct {
	mu        sync.RWMutex
	seq       int64
	instances map[string]*store.WorkflowInstance
	tickets   map[string]*store.Ticket
	comments  []*seqComment
	channels  map[string]*store.Channel
	messages  []*seqMessage
	users     map[string]*store.User
}

type seqComment struct {
	seq int64
	c   store.Comment
}

type seqMessage struct {
	seq int64
	m   store.Message
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		instances: make(map[string]*store.WorkflowInstance),
		tickets:   make(map[string]*store.Ticket),
		channels:  make(map[string]*store.Channel),
		users:     make(map[string]*store.User),
	}
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Close() error                  { return nil }

func notFound(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func now() time.Time { return time.Now().UTC() }

// --- Workflow instances ---

// copyInstance deep-copies through JSON so the context never aliases.
func copyInstance(in *store.WorkflowInstance) (*store.WorkflowInstance, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	out := &store.WorkflowInstance{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) openPairTaken(ticketID, agentID, exceptID string) bool {
	for _, inst := range s.instances {
		if inst.ID != exceptID && inst.TicketID == ticketID && inst.AgentID == agentID && inst.Status.IsOpen() {
			return true
		}
	}
	return false
}

func (s *Store) CreateInstance(_ context.Context, inst *store.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow instance %q already exists", inst.ID)
	}
	if inst.Status.IsOpen() && s.openPairTaken(inst.TicketID, inst.AgentID, "") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"open workflow already exists for ticket %q and agent %q", inst.TicketID, inst.AgentID)
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now()
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = inst.CreatedAt
	}
	cp, err := copyInstance(inst)
	if err != nil {
		return err
	}
	s.instances[inst.ID] = cp
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (*store.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, notFound("workflow instance", id)
	}
	return copyInstance(inst)
}

func (s *Store) SaveInstance(_ context.Context, inst *store.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.instances[inst.ID]
	if !ok {
		return notFound("workflow instance", inst.ID)
	}
	if inst.Status.IsOpen() && s.openPairTaken(existing.TicketID, existing.AgentID, inst.ID) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"open workflow already exists for ticket %q and agent %q", existing.TicketID, existing.AgentID)
	}
	inst.UpdatedAt = now()
	cp, err := copyInstance(inst)
	if err != nil {
		return err
	}
	cp.CreatedAt = existing.CreatedAt
	s.instances[inst.ID] = cp
	return nil
}

func (s *Store) FindOpenInstance(_ context.Context, ticketID, agentID string) (*store.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.TicketID == ticketID && inst.AgentID == agentID && inst.Status.IsOpen() {
			return copyInstance(inst)
		}
	}
	return nil, notFound("open workflow instance", ticketID+"/"+agentID)
}

func (s *Store) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*store.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.WorkflowInstance
	for _, inst := range s.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.TicketID != "" && inst.TicketID != filter.TicketID {
			continue
		}
		if filter.AgentID != "" && inst.AgentID != filter.AgentID {
			continue
		}
		cp, err := copyInstance(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Tickets ---

func (s *Store) CreateTicket(_ context.Context, t *store.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "ticket %q already exists", t.ID)
	}
	if t.Status == "" {
		t.Status = schema.TicketStatusTodo
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	t.UpdatedAt = t.CreatedAt
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *Store) GetTicket(_ context.Context, id string) (*store.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, notFound("ticket", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, id, status string) error {
	return s.UpdateTicket(ctx, id, store.TicketUpdate{Status: &status})
}

func (s *Store) UpdateTicket(_ context.Context, id string, update store.TicketUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return notFound("ticket", id)
	}
	if update.Title != nil {
		t.Title = *update.Title
	}
	if update.Description != nil {
		t.Description = *update.Description
	}
	if update.Type != nil {
		t.Type = *update.Type
	}
	if update.Status != nil {
		t.Status = *update.Status
	}
	if update.AssigneeID != nil {
		t.AssigneeID = *update.AssigneeID
	}
	t.UpdatedAt = now()
	return nil
}

func (s *Store) DeleteTicket(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[id]; !ok {
		return notFound("ticket", id)
	}
	delete(s.tickets, id)
	kept := s.comments[:0]
	for _, c := range s.comments {
		if c.c.TicketID != id {
			kept = append(kept, c)
		}
	}
	s.comments = kept
	return nil
}

func (s *Store) ListTickets(_ context.Context, filter store.TicketFilter) ([]*store.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Ticket
	for _, t := range s.tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AssigneeID != "" && t.AssigneeID != filter.AssigneeID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Comments ---

func (s *Store) CreateComment(_ context.Context, c *store.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[c.TicketID]; !ok {
		return notFound("ticket", c.TicketID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	s.seq++
	s.comments = append(s.comments, &seqComment{seq: s.seq, c: *c})
	return nil
}

func (s *Store) ListComments(_ context.Context, ticketID string) ([]*store.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Comment
	for _, sc := range s.comments {
		if sc.c.TicketID == ticketID {
			cp := sc.c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Channels and messages ---

func (s *Store) CreateChannel(_ context.Context, ch *store.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing.Name == ch.Name {
			return schema.NewErrorf(schema.ErrCodeConflict, "channel %q already exists", ch.Name)
		}
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now()
	}
	cp := *ch
	s.channels[ch.ID] = &cp
	return nil
}

func (s *Store) GetChannel(_ context.Context, id string) (*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, notFound("channel", id)
	}
	cp := *ch
	return &cp, nil
}

func (s *Store) ListChannels(_ context.Context) ([]*store.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateMessage(_ context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	s.seq++
	s.messages = append(s.messages, &seqMessage{seq: s.seq, m: *m})
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sm := range s.messages {
		if sm.m.ID == id {
			cp := sm.m
			return &cp, nil
		}
	}
	return nil, notFound("message", id)
}

func (s *Store) GetChannelMessages(_ context.Context, channelID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Message
	for _, sm := range s.messages {
		if sm.m.ChannelID == channelID && sm.m.ThreadParentID == "" {
			cp := sm.m
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) GetThreadMessages(_ context.Context, parentID string) ([]*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Message
	for _, sm := range s.messages {
		if sm.m.ID == parentID || sm.m.ThreadParentID == parentID {
			cp := sm.m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Users ---

func (s *Store) UpsertUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	cp := *u
	cp.Capabilities = append([]string(nil), u.Capabilities...)
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	cp := *u
	cp.Capabilities = append([]string(nil), u.Capabilities...)
	return &cp, nil
}

func (s *Store) ListUsers(_ context.Context, agentsOnly bool) ([]*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.User
	for _, u := range s.users {
		if agentsOnly && !u.IsAgent {
			continue
		}
		cp := *u
		cp.Capabilities = append([]string(nil), u.Capabilities...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
