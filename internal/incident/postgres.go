package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsrelay-systems/opsrelay/internal/models"
)

// PostgresStore persists incidents in Postgres. The incidents row carries
// the current snapshot; incident_transitions and incident_gates hold the
// authoritative history and are append-only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and verifies the database is reachable.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Create(ctx context.Context, inc *Incident) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO incidents
		(id, title, description, severity, state, assignee, affected_services, created_by, created_at, updated_at, closed_at, source_event_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = tx.Exec(ctx, query,
		inc.ID, inc.Title, inc.Description, inc.Severity.String(), string(inc.State),
		inc.Assignee, inc.AffectedServices, inc.CreatedBy, inc.CreatedAt, inc.UpdatedAt,
		inc.ClosedAt, inc.SourceEventIDs,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIncident
		}
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	if err := appendHistory(ctx, tx, inc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, inc *Incident) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE incidents
		SET title = $2, description = $3, severity = $4, state = $5,
		    assignee = $6, affected_services = $7, updated_at = $8,
		    closed_at = $9, source_event_ids = $10
		WHERE id = $1
	`
	result, err := tx.Exec(ctx, query,
		inc.ID, inc.Title, inc.Description, inc.Severity.String(), string(inc.State),
		inc.Assignee, inc.AffectedServices, inc.UpdatedAt, inc.ClosedAt, inc.SourceEventIDs,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUnknownIncident
	}

	if err := appendHistory(ctx, tx, inc); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit incident update: %w", err)
	}
	return nil
}

// appendHistory inserts any transition log entries and gate completions the
// database does not yet hold. Existing rows are never rewritten.
func appendHistory(ctx context.Context, tx pgx.Tx, inc *Incident) error {
	for _, tr := range inc.TransitionLog {
		_, err := tx.Exec(ctx, `
			INSERT INTO incident_transitions
			(incident_id, seq, from_state, to_state, actor, note, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (incident_id, seq) DO NOTHING
		`, inc.ID, tr.Seq, string(tr.From), string(tr.To), tr.Actor, tr.Note, tr.At)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}

	for _, gc := range inc.CompletedGates {
		_, err := tx.Exec(ctx, `
			INSERT INTO incident_gates
			(incident_id, gate, completed_by, completed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (incident_id, gate) DO NOTHING
		`, inc.ID, gc.Gate, gc.CompletedBy, gc.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to insert gate completion: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		SELECT id, title, description, severity, state, assignee,
		       affected_services, created_by, created_at, updated_at,
		       closed_at, source_event_ids
		FROM incidents
		WHERE id = $1
	`

	var inc Incident
	var severity, state string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&inc.ID, &inc.Title, &inc.Description, &severity, &state,
		&inc.Assignee, &inc.AffectedServices, &inc.CreatedBy, &inc.CreatedAt,
		&inc.UpdatedAt, &inc.ClosedAt, &inc.SourceEventIDs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownIncident
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	if sev, ok := models.ParseSeverity(severity); ok {
		inc.Severity = sev
	}
	inc.State = State(state)

	if inc.TransitionLog, err = s.loadTransitions(ctx, id); err != nil {
		return nil, err
	}
	if inc.CompletedGates, err = s.loadGates(ctx, id); err != nil {
		return nil, err
	}
	return &inc, nil
}

func (s *PostgresStore) loadTransitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, from_state, to_state, actor, note, at
		FROM incident_transitions
		WHERE incident_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}
	defer rows.Close()

	var log []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.Seq, &from, &to, &tr.Actor, &tr.Note, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From = State(from)
		tr.To = State(to)
		log = append(log, tr)
	}
	return log, rows.Err()
}

func (s *PostgresStore) loadGates(ctx context.Context, id string) (map[string]GateCompletion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT gate, completed_by, completed_at
		FROM incident_gates
		WHERE incident_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load gates: %w", err)
	}
	defer rows.Close()

	gates := make(map[string]GateCompletion)
	for rows.Next() {
		var gc GateCompletion
		if err := rows.Scan(&gc.Gate, &gc.CompletedBy, &gc.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate completion: %w", err)
		}
		gates[gc.Gate] = gc
	}
	return gates, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Incident, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	where := "WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filter.State != "" {
		argCount++
		where += fmt.Sprintf(" AND state = $%d", argCount)
		args = append(args, string(filter.State))
	}
	if filter.Severity != nil {
		argCount++
		where += fmt.Sprintf(" AND severity = $%d", argCount)
		args = append(args, filter.Severity.String())
	}

	query := `
		SELECT id, title, description, severity, state, assignee,
		       affected_services, created_by, created_at, updated_at,
		       closed_at, source_event_ids
		FROM incidents
		` + where + `
		ORDER BY created_at DESC, id DESC
	`
	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		var inc Incident
		var severity, state string
		err := rows.Scan(
			&inc.ID, &inc.Title, &inc.Description, &severity, &state,
			&inc.Assignee, &inc.AffectedServices, &inc.CreatedBy, &inc.CreatedAt,
			&inc.UpdatedAt, &inc.ClosedAt, &inc.SourceEventIDs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if sev, ok := models.ParseSeverity(severity); ok {
			inc.Severity = sev
		}
		inc.State = State(state)
		incidents = append(incidents, &inc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// List rows omit history; callers needing the full log use Get.
	return incidents, nil
}
