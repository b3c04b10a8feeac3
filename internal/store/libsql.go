package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/voike/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at dbPath, a file URI such as
// "file:/path/to/voike.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tables ---

func (s *LibSQLStore) ReadTable(ctx context.Context, projectID, name string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM flow_tables WHERE project_id = ? AND name = ? AND row_index >= 0 ORDER BY row_index`,
		projectID, name)
	if err != nil {
		return nil, storeError("read table", name, err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, storeError("read table", name, err)
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("decode row of table %q: %w", name, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("read table", name, err)
	}
	if len(out) == 0 {
		exists, err := s.tableExists(ctx, projectID, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, storeNotFound("table", name)
		}
	}
	return out, nil
}

// tableExists reports whether name was ever written; an empty table keeps a
// marker row at index -1.
func (s *LibSQLStore) tableExists(ctx context.Context, projectID, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_tables WHERE project_id = ? AND name = ?`, projectID, name).Scan(&n); err != nil {
		return false, storeError("read table", name, err)
	}
	return n > 0, nil
}

func (s *LibSQLStore) WriteTable(ctx context.Context, projectID, name string, rows []map[string]any) (int, error) {
	if name == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "table name cannot be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("write table", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM flow_tables WHERE project_id = ? AND name = ?`, projectID, name); err != nil {
		return 0, storeError("write table", name, err)
	}
	now := time.Now().UTC()
	if len(rows) == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flow_tables (project_id, name, row_index, data, updated_at) VALUES (?, ?, -1, 'null', ?)`,
			projectID, name, now); err != nil {
			return 0, storeError("write table", name, err)
		}
	}
	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("encode row %d of table %q: %w", i, name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO flow_tables (project_id, name, row_index, data, updated_at) VALUES (?, ?, ?, ?, ?)`,
			projectID, name, i, string(data), now); err != nil {
			return 0, storeError("write table", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("write table", name, err)
	}
	return len(rows), nil
}

func (s *LibSQLStore) ListTables(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT name FROM flow_tables WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *LibSQLStore) DropTable(ctx context.Context, projectID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_tables WHERE project_id = ? AND name = ?`, projectID, name)
	if err != nil {
		return storeError("drop table", name, err)
	}
	return checkRowsAffected(res, "table", name)
}

// ProjectTablesView is the only relation a Query may read. It exposes the
// calling project's rows as (table_name, row_index, data, updated_at), data
// being the row as JSON text.
const ProjectTablesView = "project_tables"

// internalTable matches the store's own relations, which queries must not
// name directly.
var internalTable = regexp.MustCompile(`(?i)\b(flow_tables|run_events|schedules|schema_version|sqlite_\w+)\b`)

// Query runs one read-only SELECT for projectID and returns each row as a
// map keyed by column name. The statement runs on a dedicated connection
// with query_only set, and sees projectID's rows through ProjectTablesView.
func (s *LibSQLStore) Query(ctx context.Context, projectID, query string, args ...any) ([]map[string]any, error) {
	if err := checkQuery(query); err != nil {
		return nil, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, storeError("query", ProjectTablesView, err)
	}
	defer conn.Close()

	view := `CREATE TEMP VIEW ` + ProjectTablesView + ` AS
		SELECT name AS table_name, row_index, data, updated_at FROM main.flow_tables
		WHERE project_id = ` + quoteLiteral(projectID) + ` AND row_index >= 0`
	if _, err := conn.ExecContext(ctx, `DROP VIEW IF EXISTS temp.`+ProjectTablesView); err != nil {
		return nil, storeError("query", ProjectTablesView, err)
	}
	if _, err := conn.ExecContext(ctx, view); err != nil {
		return nil, storeError("query", ProjectTablesView, err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
		return nil, storeError("query", ProjectTablesView, err)
	}
	defer restoreConn(conn)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query failed: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = sqlValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query failed: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// restoreConn makes a pooled connection writable again. A connection that
// cannot be restored is discarded.
func restoreConn(conn *sql.Conn) {
	ctx := context.Background()
	_, errPragma := conn.ExecContext(ctx, `PRAGMA query_only = OFF`)
	_, errView := conn.ExecContext(ctx, `DROP VIEW IF EXISTS temp.`+ProjectTablesView)
	if errPragma != nil || errView != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

// checkQuery accepts a single SELECT (or WITH ... SELECT) statement that does
// not name the store's internal tables.
func checkQuery(query string) error {
	code := strings.TrimRight(strings.TrimSpace(stripLiterals(query)), "; \t\r\n")
	upper := strings.ToUpper(code)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return schema.NewError(schema.ErrCodeValidation, "only SELECT queries are allowed")
	}
	if strings.Contains(code, ";") {
		return schema.NewError(schema.ErrCodeValidation, "only one statement is allowed")
	}
	if m := internalTable.FindString(code); m != "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "query may not read %s; use %s", m, ProjectTablesView)
	}
	return nil
}

// stripLiterals blanks out single-quoted string literals and comments so
// checkQuery only sees SQL code.
func stripLiterals(query string) string {
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			b.WriteByte(c)
			for i++; i < len(query); i++ {
				if query[i] == '\'' {
					if i+1 < len(query) && query[i+1] == '\'' {
						i++
						continue
					}
					b.WriteByte('\'')
					break
				}
				b.WriteByte(' ')
			}
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
			if i < len(query) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				i = len(query)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sqlValue maps driver values onto JSON-shaped values.
func sqlValue(v any) any {
	switch n := v.(type) {
	case []byte:
		return string(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	}
	return v
}

// --- Run events ---

// AppendRunEvent inserts event with the next per-run sequence number.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, project_id, plan_id, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.ProjectID), nullStr(event.PlanID), nullStr(event.Step),
		event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run event: %w", err)
	}
	return nil
}

const runEventColumns = `id, run_id, project_id, plan_id, step, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runEventColumns+` FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRunEvents(rows)
}

func (s *LibSQLStore) GetRunEventsByType(ctx context.Context, eventType string, filter RunEventFilter) ([]*RunEvent, error) {
	query := `SELECT ` + runEventColumns + ` FROM run_events WHERE event_type = ?`
	args := []any{eventType}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY timestamp, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRunEvents(rows)
}

func scanRunEvents(rows *sql.Rows) ([]*RunEvent, error) {
	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var project, plan, step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &project, &plan, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ProjectID = project.String
		e.PlanID = plan.String
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	inputs, err := marshalMapOrNil(sched.Inputs)
	if err != nil {
		return fmt.Errorf("marshal schedule inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, project_id, plan_id, source, cron_expression, inputs, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.ProjectID, sched.PlanID, sched.Source, sched.CronExpression, inputs,
		sched.Enabled, nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return err
}

const scheduleColumns = `id, project_id, plan_id, source, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	sched := &Schedule{}
	var inputs, status sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&sched.ID, &sched.ProjectID, &sched.PlanID, &sched.Source, &sched.CronExpression,
		&inputs, &sched.Enabled, &lastRun, &nextRun, &status, &sched.CreatedAt); err != nil {
		return nil, err
	}
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &sched.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal schedule inputs: %w", err)
		}
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	sched.LastRunStatus = status.String
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op, name string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s %q: %s", op, name, err.Error()).WithCause(err)
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

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
