package store

import "context"

// Tables is the tabular storage used by LOAD TABLE and STORE. Every table
// belongs to one project; the same name in two projects is two tables. It
// satisfies engine.TableStore.
type Tables interface {
	ReadTable(ctx context.Context, projectID, name string) ([]map[string]any, error)
	// WriteTable replaces the table's rows and returns how many were written.
	WriteTable(ctx context.Context, projectID, name string, rows []map[string]any) (int, error)
	ListTables(ctx context.Context, projectID string) ([]string, error)
	DropTable(ctx context.Context, projectID, name string) error
}

// Store is the persistence layer contract. Implementations must be safe for
// concurrent use.
type Store interface {
	Tables

	// Run events (append-only)
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)
	GetRunEventsByType(ctx context.Context, eventType string, filter RunEventFilter) ([]*RunEvent, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	Migrate(ctx context.Context) error
	Close() error
}
