package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/voike/pkg/schema"
)

// MemoryStore is an in-process Store. Rows are stored as JSON so readers
// always get fresh, JSON-shaped copies, exactly like LibSQLStore.
type MemoryStore struct {
	mu        sync.Mutex
	tables    map[tableKey][][]byte
	events    []*RunEvent
	nextEvent int64
	schedules map[string]*Schedule
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:    make(map[tableKey][][]byte),
		schedules: make(map[string]*Schedule),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// tableKey identifies a table within its project.
type tableKey struct{ project, name string }

func (m *MemoryStore) ReadTable(_ context.Context, projectID, name string) ([]map[string]any, error) {
	m.mu.Lock()
	encoded, ok := m.tables[tableKey{projectID, name}]
	m.mu.Unlock()
	if !ok {
		return nil, storeNotFound("table", name)
	}
	out := make([]map[string]any, 0, len(encoded))
	for _, b := range encoded {
		var row map[string]any
		if err := json.Unmarshal(b, &row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *MemoryStore) WriteTable(_ context.Context, projectID, name string, rows []map[string]any) (int, error) {
	if name == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "table name cannot be empty")
	}
	encoded := make([][]byte, len(rows))
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return 0, err
		}
		encoded[i] = b
	}
	m.mu.Lock()
	m.tables[tableKey{projectID, name}] = encoded
	m.mu.Unlock()
	return len(rows), nil
}

func (m *MemoryStore) ListTables(_ context.Context, projectID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for k := range m.tables {
		if k.project == projectID {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) DropTable(_ context.Context, projectID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tableKey{projectID, name}
	if _, ok := m.tables[k]; !ok {
		return storeNotFound("table", name)
	}
	delete(m.tables, k)
	return nil
}

func (m *MemoryStore) AppendRunEvent(_ context.Context, event *RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var seq int64
	for _, e := range m.events {
		if e.RunID == event.RunID && e.Sequence > seq {
			seq = e.Sequence
		}
	}
	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = seq + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetRunEvents(_ context.Context, runID string, since int64) ([]*RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RunEvent
	for _, e := range m.events {
		if e.RunID == runID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetRunEventsByType(_ context.Context, eventType string, filter RunEventFilter) ([]*RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RunEvent
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.ProjectID != "" && e.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sched.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeStore, "schedule %q already exists", sched.ID)
	}
	cp := *sched
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		s.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		s.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		s.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		if filter.ProjectID != "" && s.ProjectID != filter.ProjectID {
			continue
		}
		cp := *s
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

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(m.schedules, id)
	return nil
}
