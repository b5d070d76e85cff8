package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/crew/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/crew.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// --- Workflow instances ---

const instanceColumns = `id, definition_id, agent_id, ticket_id, status, current_state, context, created_at, updated_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	wfCtx, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = timeOrNow(inst.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.AgentID, inst.TicketID, string(inst.Status),
		inst.CurrentState, string(wfCtx), inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"open workflow already exists for ticket %q and agent %q", inst.TicketID, inst.AgentID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *WorkflowInstance) error {
	wfCtx, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	inst.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, current_state = ?, context = ?, updated_at = ? WHERE id = ?`,
		string(inst.Status), inst.CurrentState, string(wfCtx), inst.UpdatedAt, inst.ID,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"open workflow already exists for ticket %q and agent %q", inst.TicketID, inst.AgentID).WithCause(err)
	}
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow instance", inst.ID)
}

func (s *LibSQLStore) FindOpenInstance(ctx context.Context, ticketID, agentID string) (*WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE ticket_id = ? AND agent_id = ? AND status IN ('active', 'paused')`,
		ticketID, agentID,
	)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("open workflow instance", ticketID+"/"+agentID)
	}
	return inst, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TicketID != "" {
		where = append(where, "ticket_id = ?")
		args = append(args, filter.TicketID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}

	query := "SELECT " + instanceColumns + " FROM workflow_instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	var status, wfCtx string
	if err := r.Scan(&inst.ID, &inst.DefinitionID, &inst.AgentID, &inst.TicketID, &status,
		&inst.CurrentState, &wfCtx, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(wfCtx), &inst.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return inst, nil
}

// --- Tickets ---

const ticketColumns = `id, title, description, type, status, assignee_id, created_at, updated_at`

func (s *LibSQLStore) CreateTicket(ctx context.Context, t *Ticket) error {
	if t.Status == "" {
		t.Status = schema.TicketStatusTodo
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.UpdatedAt = timeOrNow(t.UpdatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, nullStr(t.Description), nullStr(t.Type), t.Status, nullStr(t.AssigneeID),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("ticket", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateTicketStatus(ctx context.Context, id, status string) error {
	return s.UpdateTicket(ctx, id, TicketUpdate{Status: &status})
}

func (s *LibSQLStore) UpdateTicket(ctx context.Context, id string, update TicketUpdate) error {
	var sets []string
	var args []any

	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Type != nil {
		sets = append(sets, "type = ?")
		args = append(args, nullStr(*update.Type))
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.AssigneeID != nil {
		sets = append(sets, "assignee_id = ?")
		args = append(args, nullStr(*update.AssigneeID))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE tickets SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "ticket", id)
}

func (s *LibSQLStore) DeleteTicket(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "ticket", id)
}

func (s *LibSQLStore) ListTickets(ctx context.Context, filter TicketFilter) ([]*Ticket, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, filter.AssigneeID)
	}

	query := "SELECT " + ticketColumns + " FROM tickets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTicket(r rowScanner) (*Ticket, error) {
	t := &Ticket{}
	var desc, typ, assignee sql.NullString
	if err := r.Scan(&t.ID, &t.Title, &desc, &typ, &t.Status, &assignee, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Type = typ.String
	t.AssigneeID = assignee.String
	return t, nil
}

// --- Comments ---

func (s *LibSQLStore) CreateComment(ctx context.Context, c *Comment) error {
	c.CreatedAt = timeOrNow(c.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO comments (id, ticket_id, user_id, content, seq, created_at)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM comments), ?)`,
		c.ID, c.TicketID, c.UserID, c.Content, c.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) ListComments(ctx context.Context, ticketID string) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, user_id, content, created_at FROM comments WHERE ticket_id = ? ORDER BY seq ASC`,
		ticketID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Comment
	for rows.Next() {
		c := &Comment{}
		if err := rows.Scan(&c.ID, &c.TicketID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Channels and messages ---

func (s *LibSQLStore) CreateChannel(ctx context.Context, ch *Channel) error {
	ch.CreatedAt = timeOrNow(ch.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, created_at) VALUES (?, ?, ?)`,
		ch.ID, ch.Name, ch.CreatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "channel %q already exists", ch.Name).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetChannel(ctx context.Context, id string) (*Channel, error) {
	ch := &Channel{}
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.Name, &ch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("channel", id)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *LibSQLStore) ListChannels(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM channels ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch := &Channel{}
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

const messageColumns = `id, channel_id, user_id, content, thread_parent_id, created_at`

func (s *LibSQLStore) CreateMessage(ctx context.Context, m *Message) error {
	m.CreatedAt = timeOrNow(m.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, user_id, content, thread_parent_id, seq, created_at)
		 VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), ?)`,
		m.ID, m.ChannelID, m.UserID, m.Content, nullStr(m.ThreadParentID), m.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("message", id)
	}
	return m, err
}

func (s *LibSQLStore) GetChannelMessages(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, seq FROM messages
			WHERE channel_id = ? AND thread_parent_id IS NULL
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (s *LibSQLStore) GetThreadMessages(ctx context.Context, parentID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? OR thread_parent_id = ? ORDER BY seq ASC`,
		parentID, parentID,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(r rowScanner) (*Message, error) {
	m := &Message{}
	var parent sql.NullString
	if err := r.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &parent, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ThreadParentID = parent.String
	return m, nil
}

// --- Users ---

func (s *LibSQLStore) UpsertUser(ctx context.Context, u *User) error {
	caps, err := json.Marshal(stringsOrEmpty(u.Capabilities))
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	u.CreatedAt = timeOrNow(u.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role, personality, is_agent, capabilities, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, personality=excluded.personality,
		 is_agent=excluded.is_agent, capabilities=excluded.capabilities`,
		u.ID, u.Name, nullStr(u.Role), nullStr(u.Personality), u.IsAgent, string(caps), u.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, personality, is_agent, capabilities, created_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user", id)
	}
	return u, err
}

func (s *LibSQLStore) ListUsers(ctx context.Context, agentsOnly bool) ([]*User, error) {
	query := `SELECT id, name, role, personality, is_agent, capabilities, created_at FROM users`
	if agentsOnly {
		query += ` WHERE is_agent = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(r rowScanner) (*User, error) {
	u := &User{}
	var role, personality sql.NullString
	var caps string
	if err := r.Scan(&u.ID, &u.Name, &role, &personality, &u.IsAgent, &caps, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = role.String
	u.Personality = personality.String
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &u.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return u, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CrewError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
