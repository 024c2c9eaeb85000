package persistence

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

// Ensure SQLiteInstanceStore implements InstanceStore.
var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			context BLOB,
			error TEXT,
			wait_kind TEXT,
			wait_step TEXT,
			wait_since INTEGER,
			wait_deadline INTEGER,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	)
	return err
}

func (s *SQLiteInstanceStore) CreateInstance(inst *api.WorkflowInstance) error {
	contextBytes, err := EncodeContext(inst.Context)
	if err != nil {
		return err
	}

	waitKind, waitStep, waitSince, waitDeadline := encodeWait(inst.Wait)

	_, err = s.db.Exec(`
		INSERT INTO instances (id, definition_id, status, current_step, context, error, wait_kind, wait_step, wait_since, wait_deadline, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteInstanceStore) GetInstance(id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRow(`
		SELECT id, definition_id, status, current_step, context, error, wait_kind, wait_step, wait_since, wait_deadline, started_at, updated_at
		FROM instances
		WHERE id = ?`,
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

func (s *SQLiteInstanceStore) UpdateStatus(id string, status api.InstanceStatus, errMsg string) error {
	return s.exec(`UPDATE instances SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UnixNano(), id)
}

func (s *SQLiteInstanceStore) UpdateCurrentStep(id string, stepID string) error {
	return s.exec(`UPDATE instances SET current_step = ?, updated_at = ? WHERE id = ?`,
		stepID, time.Now().UnixNano(), id)
}

func (s *SQLiteInstanceStore) UpdateContext(id string, context map[string]any) error {
	contextBytes, err := EncodeContext(context)
	if err != nil {
		return err
	}
	return s.exec(`UPDATE instances SET context = ?, updated_at = ? WHERE id = ?`,
		contextBytes, time.Now().UnixNano(), id)
}

func (s *SQLiteInstanceStore) UpdateWait(id string, wait *api.WaitState) error {
	waitKind, waitStep, waitSince, waitDeadline := encodeWait(wait)
	return s.exec(`UPDATE instances SET wait_kind = ?, wait_step = ?, wait_since = ?, wait_deadline = ?, updated_at = ? WHERE id = ?`,
		waitKind, waitStep, waitSince, waitDeadline, time.Now().UnixNano(), id)
}

func (s *SQLiteInstanceStore) exec(query string, args ...any) error {
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

func (s *SQLiteInstanceStore) ListInstances(filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `
		SELECT id, definition_id, status, current_step, context, error, wait_kind, wait_step, wait_since, wait_deadline, started_at, updated_at
		FROM instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
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

// scanInstance reads one instance row through the given Scan function so
// QueryRow and Query share the decoding.
func scanInstance(scan func(dest ...any) error) (*api.WorkflowInstance, error) {
	var (
		inst         api.WorkflowInstance
		statusStr    string
		contextBytes []byte
		errStr       sql.NullString
		waitKind     sql.NullString
		waitStep     sql.NullString
		waitSince    sql.NullInt64
		waitDeadline sql.NullInt64
		startedAt    int64
		updatedAt    int64
	)
	if err := scan(&inst.ID, &inst.DefinitionID, &statusStr, &inst.CurrentStep,
		&contextBytes, &errStr, &waitKind, &waitStep, &waitSince, &waitDeadline,
		&startedAt, &updatedAt); err != nil {
		return nil, err
	}

	inst.Status = api.InstanceStatus(statusStr)
	ctxMap, err := DecodeContext(contextBytes)
	if err != nil {
		return nil, err
	}
	inst.Context = ctxMap
	if errStr.Valid {
		inst.Error = errStr.String
	}
	inst.Wait = decodeWait(waitKind.String, waitStep.String, waitSince.Int64, waitDeadline.Int64)
	inst.StartedAt = time.Unix(0, startedAt)
	inst.UpdatedAt = time.Unix(0, updatedAt)
	return &inst, nil
}

func encodeWait(w *api.WaitState) (kind, step string, since, deadline int64) {
	if w == nil {
		return "", "", 0, 0
	}
	since = w.Since.UnixNano()
	if !w.Deadline.IsZero() {
		deadline = w.Deadline.UnixNano()
	}
	return string(w.Kind), w.StepID, since, deadline
}

func decodeWait(kind, step string, since, deadline int64) *api.WaitState {
	if kind == "" {
		return nil
	}
	w := &api.WaitState{
		Kind:   api.WaitKind(kind),
		StepID: step,
		Since:  time.Unix(0, since),
	}
	if deadline != 0 {
		w.Deadline = time.Unix(0, deadline)
	}
	return w
}
