package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aliskhannn/doc-translator/internal/model"
)

var ErrTaskNotFound = errors.New("task not found")

// Mutation changes a task in place. Returning an error aborts the update.
type Mutation func(t *model.Task) error

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Owner    string
	Statuses []model.Status
	Limit    int
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	owner             TEXT NOT NULL,
	file_ref          TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'queued',
	progress          INTEGER NOT NULL DEFAULT 0,
	message           TEXT NOT NULL DEFAULT '',
	settings_snapshot TEXT,
	mono_path         TEXT,
	dual_path         TEXT,
	error_message     TEXT,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL,
	started_at        BIGINT,
	completed_at      BIGINT
)`

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (owner, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
}

const columns = `task_id, owner, file_ref, original_filename, status, progress, message,
	settings_snapshot, mono_path, dual_path, error_message,
	created_at, updated_at, started_at, completed_at`

// taskRow mirrors one tasks row. Timestamps are unix nanoseconds so the
// same schema works on sqlite and postgres.
type taskRow struct {
	ID          string         `db:"task_id"`
	Owner       string         `db:"owner"`
	FileRef     string         `db:"file_ref"`
	Filename    string         `db:"original_filename"`
	Status      string         `db:"status"`
	Progress    int            `db:"progress"`
	Message     string         `db:"message"`
	Settings    sql.NullString `db:"settings_snapshot"`
	MonoPath    sql.NullString `db:"mono_path"`
	DualPath    sql.NullString `db:"dual_path"`
	Error       sql.NullString `db:"error_message"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
	StartedAt   sql.NullInt64  `db:"started_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
}

// Repository is the durable task store. Every update runs in its own
// transaction, so readers never observe a partially applied mutation.
type Repository struct {
	db      *sqlx.DB
	replica *sqlx.DB
	now     func() time.Time
}

// NewRepository creates a Repository over the primary connection.
// History listings go to replica when it is not nil.
func NewRepository(db, replica *sqlx.DB) *Repository {
	if replica == nil {
		replica = db
	}
	return &Repository{db: db, replica: replica, now: time.Now}
}

// Migrate creates the tasks table and its indexes if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: failed to create tasks table: %w", err)
	}
	for _, q := range indexes {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: failed to create index: %w", err)
		}
	}
	return nil
}

// Create inserts a new task record. CreatedAt and UpdatedAt are set when zero.
func (r *Repository) Create(ctx context.Context, t model.Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("create: %q: %w", t.Status, model.ErrInvalidStatus)
	}

	now := r.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	row := toRow(t)
	query := r.db.Rebind(`
		INSERT INTO tasks (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.db.ExecContext(ctx, query,
		row.ID, row.Owner, row.FileRef, row.Filename, row.Status, row.Progress, row.Message,
		row.Settings, row.MonoPath, row.DualPath, row.Error,
		row.CreatedAt, row.UpdatedAt, row.StartedAt, row.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create: failed to insert task: %w", err)
	}

	return nil
}

// Get retrieves a task by ID.
func (r *Repository) Get(ctx context.Context, id string) (model.Task, error) {
	var row taskRow
	query := r.db.Rebind(`SELECT ` + columns + ` FROM tasks WHERE task_id = ?`)

	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, fmt.Errorf("get: failed to get task: %w", err)
	}

	return row.toModel(), nil
}

// Update applies mut to the task atomically and returns the stored result.
// Status changes must follow model.CanTransition; terminal tasks are frozen.
func (r *Repository) Update(ctx context.Context, id string, mut Mutation) (model.Task, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Task{}, fmt.Errorf("update: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row taskRow
	query := tx.Rebind(`SELECT ` + columns + ` FROM tasks WHERE task_id = ?` + r.lockClause())
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, fmt.Errorf("update: failed to load task: %w", err)
	}

	current := row.toModel()
	next := current.Clone()
	if err := mut(&next); err != nil {
		return model.Task{}, err
	}

	if !model.CanTransition(current.Status, next.Status) {
		return model.Task{}, fmt.Errorf("update: %s -> %s: %w", current.Status, next.Status, model.ErrInvalidTransition)
	}

	next.ID = current.ID
	next.Owner = current.Owner
	next.CreatedAt = current.CreatedAt
	next.Progress = model.ClampProgress(next.Progress)
	next.UpdatedAt = r.now().UTC()

	out := toRow(next)
	update := tx.Rebind(`
		UPDATE tasks
		SET status = ?, progress = ?, message = ?, mono_path = ?, dual_path = ?,
		    error_message = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE task_id = ?
	`)
	if _, err := tx.ExecContext(ctx, update,
		out.Status, out.Progress, out.Message, out.MonoPath, out.DualPath,
		out.Error, out.UpdatedAt, out.StartedAt, out.CompletedAt, out.ID,
	); err != nil {
		return model.Task{}, fmt.Errorf("update: failed to update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Task{}, fmt.Errorf("update: failed to commit: %w", err)
	}

	return next, nil
}

// List returns tasks matching f, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]model.Task, error) {
	var (
		where []string
		args  []interface{}
	)

	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(f.Statuses) > 0 {
		for _, st := range f.Statuses {
			if !st.Valid() {
				return nil, fmt.Errorf("list: %q: %w", st, model.ErrInvalidStatus)
			}
		}
		where = append(where, "status IN (?)")
		args = append(args, statusStrings(f.Statuses))
	}

	query := `SELECT ` + columns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, task_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: failed to build query: %w", err)
	}

	var rows []taskRow
	if err := r.replica.SelectContext(ctx, &rows, r.replica.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list: failed to list tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.toModel())
	}

	return tasks, nil
}

// Delete removes a task record by ID.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE task_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete: failed to delete task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete: failed to get number of rows affected: %w", err)
	}

	if n == 0 {
		return ErrTaskNotFound
	}

	return nil
}

// FailInterrupted moves every queued or processing task to failed with errMsg
// and returns the tasks it changed. Running it again changes nothing.
func (r *Repository) FailInterrupted(ctx context.Context, errMsg string) ([]model.Task, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recover: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	active := []interface{}{string(model.StatusQueued), string(model.StatusProcessing)}

	var rows []taskRow
	query := tx.Rebind(`SELECT ` + columns + ` FROM tasks WHERE status IN (?, ?)` + r.lockClause())
	if err := tx.SelectContext(ctx, &rows, query, active...); err != nil {
		return nil, fmt.Errorf("recover: failed to select stale tasks: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	now := r.now().UTC()
	message := "Translation failed: " + errMsg

	update := tx.Rebind(`
		UPDATE tasks
		SET status = ?, message = ?, error_message = ?, updated_at = ?, completed_at = ?
		WHERE status IN (?, ?)
	`)
	if _, err := tx.ExecContext(ctx, update,
		string(model.StatusFailed), message, errMsg, now.UnixNano(), now.UnixNano(),
		active[0], active[1],
	); err != nil {
		return nil, fmt.Errorf("recover: failed to update stale tasks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("recover: failed to commit: %w", err)
	}

	failed := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		t := row.toModel()
		t.Status = model.StatusFailed
		t.Message = message
		t.Error = errMsg
		t.UpdatedAt = now
		completed := now
		t.CompletedAt = &completed
		failed = append(failed, t)
	}

	return failed, nil
}

// lockClause returns the row-locking suffix for drivers that support it.
// sqlite serializes writers on its own.
func (r *Repository) lockClause() string {
	if r.db.DriverName() == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}

func statusStrings(ss []model.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func toRow(t model.Task) taskRow {
	row := taskRow{
		ID:        t.ID,
		Owner:     t.Owner,
		FileRef:   t.FileRef,
		Filename:  t.Filename,
		Status:    string(t.Status),
		Progress:  t.Progress,
		Message:   t.Message,
		Settings:  nullString(string(t.Settings)),
		Error:     nullString(t.Error),
		CreatedAt: t.CreatedAt.UnixNano(),
		UpdatedAt: t.UpdatedAt.UnixNano(),
	}
	if t.Result != nil {
		row.MonoPath = nullString(t.Result.MonoPath)
		row.DualPath = nullString(t.Result.DualPath)
	}
	if t.StartedAt != nil {
		row.StartedAt = sql.NullInt64{Int64: t.StartedAt.UnixNano(), Valid: true}
	}
	if t.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: t.CompletedAt.UnixNano(), Valid: true}
	}
	return row
}

func (row taskRow) toModel() model.Task {
	t := model.Task{
		ID:        row.ID,
		Owner:     row.Owner,
		FileRef:   row.FileRef,
		Filename:  row.Filename,
		Status:    model.Status(row.Status),
		Progress:  row.Progress,
		Message:   row.Message,
		Error:     row.Error.String,
		CreatedAt: time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt: time.Unix(0, row.UpdatedAt).UTC(),
	}
	if row.Settings.Valid {
		t.Settings = []byte(row.Settings.String)
	}
	if row.MonoPath.Valid || row.DualPath.Valid {
		t.Result = &model.Result{MonoPath: row.MonoPath.String, DualPath: row.DualPath.String}
	}
	if row.StartedAt.Valid {
		ts := time.Unix(0, row.StartedAt.Int64).UTC()
		t.StartedAt = &ts
	}
	if row.CompletedAt.Valid {
		ts := time.Unix(0, row.CompletedAt.Int64).UTC()
		t.CompletedAt = &ts
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
