package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL.
//
// It expects an *sql.DB opened with a Postgres driver such as
// "github.com/jackc/pgx/v5/stdlib".
type PostgresInstanceStore struct {
	db *sql.DB
}

var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			context BYTEA,
			error TEXT,
			wait_kind TEXT,
			wait_step TEXT,
			wait_since BIGINT,
			wait_deadline BIGINT,
			started_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
	)
	return err
}

func (s *PostgresInstanceStore) CreateInstance(inst *api.WorkflowInstance) error {
	contextBytes, err := EncodeContext(inst.Context)
	if err != nil {
		return err
	}

	waitKind, waitStep, waitSince, waitDeadline := encodeWait(inst.Wait)

	_, err = s.db.Exec(`
		INSERT INTO instances (id, definition_id, status, current_step, context, error, wait_kind, wait_step, wait_since, wait_deadline, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID,
		inst.DefinitionID,
		string(inst.Status),
		inst.CurrentStep,
		contextBytes,
		inst.Error,
		waitKind,
		waitStep,
		waitSince,
		waitDeadline,
		inst.StartedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *PostgresInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRow(`
		SELECT id, definition_id, status, current_step, context, error, wait_kind, wait_step, wait_since, wait_deadline, started_at, updated_at
		FROM instances
		WHERE id = $1`,
		id,
	)
	inst, err := scanInstance(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *PostgresInstanceStore) UpdateStatus(id string, status api.InstanceStatus, errMsg string) error {
	return s.exec(`UPDATE instances SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UnixNano(), id)
}

func (s *PostgresInstanceStore) UpdateCurrentStep(id string, stepID string) error {
	return s.exec(`UPDATE instances SET current_step = $1, updated_at = $2 WHERE id = $3`,
		stepID, time.Now().UnixNano(), id)
}

func (s *PostgresInstanceStore) UpdateContext(id string, context map[string]any) error {
	contextBytes, err := EncodeContext(context)
	if err != nil {
		return err
	}
	return s.exec(`UPDATE instances SET context = $1, updated_at = $2 WHERE id = $3`,
		contextBytes, time.Now().UnixNano(), id)
}

func (s *PostgresInstanceStore) UpdateWait(id string, wait *api.WaitState) error {
	waitKind, waitStep, waitSince, waitDeadline := encodeWait(wait)
	return s.exec(`UPDATE instances SET wait_kind = $1, wait_step = $2, wait_since = $3, wait_deadline = $4, updated_at = $5 WHERE id = $6`,
		waitKind, waitStep, waitSince, waitDeadline, time.Now().UnixNano(), id)
}

func (s *PostgresInstanceStore) exec(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *PostgresInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, definition_id, status, current_step, context, error, wait_kind, wait_step, wait_since, wait_deadline, started_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		clauses = append(clauses, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

// PostgresEventStore is an EventStore backed by PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

// NewPostgresEventStore initializes the events schema and returns a store.
func NewPostgresEventStore(db *sql.DB) (*PostgresEventStore, error) {
	s := &PostgresEventStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instance_events (
			seq BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			definition_id TEXT,
			step_id TEXT,
			detail TEXT
		)`,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_instance ON instance_events(instance_id)`)
	return err
}

func (s *PostgresEventStore) AppendEvent(ev api.WorkflowEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO instance_events (instance_id, at, type, definition_id, step_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.InstanceID,
		ev.At.UnixNano(),
		string(ev.Type),
		ev.DefinitionID,
		ev.StepID,
		ev.Detail,
	)
	return err
}

func (s *PostgresEventStore) ListEvents(instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.Query(`
		SELECT instance_id, at, type, definition_id, step_id, detail
		FROM instance_events
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []api.WorkflowEvent
	for rows.Next() {
		var (
			ev      api.WorkflowEvent
			at      int64
			typeStr string
		)
		if err := rows.Scan(&ev.InstanceID, &at, &typeStr, &ev.DefinitionID, &ev.StepID, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, at)
		ev.Type = api.EventType(typeStr)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
