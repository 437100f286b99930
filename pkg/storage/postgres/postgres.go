// Package postgres implements the storage repository over PostgreSQL with
// hand-written SQL through the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// Repository is a PostgreSQL-backed storage.Repository.
type Repository struct {
	db *sql.DB
}

// New wraps an open connection pool. The pool is owned by the caller's
// database client; Close here is a no-op.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ storage.Repository = (*Repository)(nil)

func (r *Repository) CreateSession(ctx context.Context, rec *models.SessionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task, mode, status, provider, model, user_id, final_report, created_at, last_active_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Task, rec.Mode, rec.Status, rec.Provider, rec.Model,
		rec.UserID, rec.FinalReport, rec.CreatedAt, rec.LastActiveAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, task, mode, status, provider, model, user_id, final_report, created_at, last_active_at, completed_at
		FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *Repository) UpdateSession(ctx context.Context, rec *models.SessionRecord) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET task = $2, mode = $3, status = $4, provider = $5, model = $6,
		    user_id = $7, final_report = $8, last_active_at = $9, completed_at = $10
		WHERE id = $1`,
		rec.ID, rec.Task, rec.Mode, rec.Status, rec.Provider, rec.Model,
		rec.UserID, rec.FinalReport, rec.LastActiveAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*models.SessionRecord, error) {
	query := `
		SELECT id, task, mode, status, provider, model, user_id, final_report, created_at, last_active_at, completed_at
		FROM sessions`
	where, args := sessionFilterClause(filter)
	query += where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) CountSessions(ctx context.Context, filter storage.SessionFilter) (int, error) {
	where, args := sessionFilterClause(filter)
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (r *Repository) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) ExpireSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sessions SET status = $1
		WHERE status = $2 AND last_active_at < $3
		RETURNING id`,
		models.SessionExpired, models.SessionActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) CreateAgent(ctx context.Context, rec *models.AgentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (id, session_id, role_name, status, progress, final_result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.SessionID, rec.RoleName, rec.Status, rec.Progress,
		rec.FinalResult, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (r *Repository) UpdateAgent(ctx context.Context, rec *models.AgentRecord) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agents
		SET status = $2, progress = $3, final_result = $4, error = $5, updated_at = $6
		WHERE id = $1`,
		rec.ID, rec.Status, rec.Progress, rec.FinalResult, rec.Error, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) ListAgents(ctx context.Context, sessionID string) ([]*models.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role_name, status, progress, final_result, error, created_at, updated_at
		FROM agents WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentRecord
	for rows.Next() {
		rec := &models.AgentRecord{}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.RoleName, &rec.Status,
			&rec.Progress, &rec.FinalResult, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) CreateMessage(ctx context.Context, rec *models.MessageRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.SessionID, rec.Role, rec.Content, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *Repository) AppendMessageContent(ctx context.Context, id, delta string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = content || $2 WHERE id = $1`, id, delta)
	if err != nil {
		return fmt.Errorf("append message content: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*models.MessageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.MessageRecord
	for rows.Next() {
		rec := &models.MessageRecord{}
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Role, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repository) CreateStation(ctx context.Context, sessionID string, station *models.Station) error {
	participants, err := json.Marshal(station.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO relay_stations (id, session_id, name, phase, participants, is_active, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		station.ID, sessionID, station.Name, station.Phase, participants,
		station.IsActive, station.StartedAt, station.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert station: %w", err)
	}
	return nil
}

func (r *Repository) UpdateStation(ctx context.Context, sessionID string, station *models.Station) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE relay_stations SET is_active = $3, completed_at = $4
		WHERE id = $1 AND session_id = $2`,
		station.ID, sessionID, station.IsActive, station.CompletedAt)
	if err != nil {
		return fmt.Errorf("update station: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) CreateRelayMessage(ctx context.Context, sessionID, stationID string, msg *models.RelayMessage) error {
	targets, err := json.Marshal(msg.TargetIDs)
	if err != nil {
		return fmt.Errorf("marshal target ids: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO relay_messages (id, session_id, station_id, kind, source_worker_id, source_name, target_ids, content, importance, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, sessionID, stationID, msg.Kind, msg.SourceWorkerID, msg.SourceName,
		targets, msg.Content, msg.Importance, metadata, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert relay message: %w", err)
	}
	return nil
}

func (r *Repository) ListRelayMessages(ctx context.Context, sessionID string) ([]*models.RelayMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, source_worker_id, source_name, target_ids, content, importance, metadata, created_at
		FROM relay_messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list relay messages: %w", err)
	}
	defer rows.Close()

	var out []*models.RelayMessage
	for rows.Next() {
		msg := &models.RelayMessage{}
		var targets, metadata []byte
		if err := rows.Scan(&msg.ID, &msg.Kind, &msg.SourceWorkerID, &msg.SourceName,
			&targets, &msg.Content, &msg.Importance, &metadata, &msg.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(targets, &msg.TargetIDs); err != nil {
			return nil, fmt.Errorf("unmarshal target ids: %w", err)
		}
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (r *Repository) CreateIntervention(ctx context.Context, sessionID string, iv *models.Intervention) error {
	targets, err := json.Marshal(iv.TargetIDs)
	if err != nil {
		return fmt.Errorf("marshal target ids: %w", err)
	}
	payload, err := json.Marshal(iv.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO interventions (id, session_id, kind, scope, target_id, target_ids, payload, reason, priority, broadcast_to_relay, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		iv.ID, sessionID, iv.Kind, iv.Scope, iv.TargetID, targets, payload,
		iv.Reason, iv.Priority, iv.BroadcastToRelay, iv.Timestamp)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

func (r *Repository) ListInterventions(ctx context.Context, sessionID string) ([]*models.Intervention, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, scope, target_id, target_ids, payload, reason, priority, broadcast_to_relay, created_at
		FROM interventions WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []*models.Intervention
	for rows.Next() {
		iv := &models.Intervention{}
		var targets, payload []byte
		if err := rows.Scan(&iv.ID, &iv.Kind, &iv.Scope, &iv.TargetID, &targets,
			&payload, &iv.Reason, &iv.Priority, &iv.BroadcastToRelay, &iv.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(targets, &iv.TargetIDs); err != nil {
			return nil, fmt.Errorf("unmarshal target ids: %w", err)
		}
		if err := json.Unmarshal(payload, &iv.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// Close is a no-op; the database client owns the pool.
func (r *Repository) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionRecord, error) {
	rec := &models.SessionRecord{}
	var completedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Task, &rec.Mode, &rec.Status, &rec.Provider,
		&rec.Model, &rec.UserID, &rec.FinalReport, &rec.CreatedAt, &rec.LastActiveAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func sessionFilterClause(filter storage.SessionFilter) (string, []any) {
	var where string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(cond, len(args))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	return where, args
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
