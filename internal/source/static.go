package source

import (
	"context"

	"github.com/openpayroll/shrike/internal/domain"
)

// Static is an in-memory DataSource for demos and benchmarks.
// Fields are read-only after construction.
type Static struct {
	EmployeeList []*domain.Employee
	Entries      map[string][]*domain.TimeEntry
	PayRunList   []*domain.PayRun
	ScheduleList []*domain.Schedule
}

func (s *Static) Employees(ctx context.Context, tenantID string) ([]*domain.Employee, error) {
	return s.EmployeeList, nil
}

func (s *Static) TimeEntries(ctx context.Context, tenantID string, employeeID string) ([]*domain.TimeEntry, error) {
	return s.Entries[employeeID], nil
}

func (s *Static) PayRuns(ctx context.Context, tenantID string) ([]*domain.PayRun, error) {
	return s.PayRunList, nil
}

func (s *Static) Schedules(ctx context.Context, tenantID string) ([]*domain.Schedule, error) {
	return s.ScheduleList, nil
}
