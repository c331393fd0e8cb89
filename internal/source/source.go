// Package source reads the payroll application's database. Shrike only
// ever reads from it; all Shrike-owned state lives in the repository.
package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/openpayroll/shrike/internal/domain"
)

// SQLSource implements domain.DataSource over the payroll schema.
// database/sql connections are safe for concurrent use, which covers
// the engine's per-employee fan-out.
type SQLSource struct {
	db     *sql.DB
	driver string
}

// New opens a read-only view of the payroll database.
func New(cfg domain.RepositoryConfig) (*SQLSource, error) {
	var dsn, driver string

	switch cfg.Driver {
	case "sqlite":
		driver = "sqlite"
		path := cfg.SQLitePath
		if path == "" {
			path = "./payroll.db"
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	case "postgres":
		driver = "postgres"
		dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.PostgresHost, cfg.PostgresPort,
			cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB,
		)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open payroll database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping payroll database: %w", err)
	}

	return &SQLSource{db: db, driver: driver}, nil
}

// Employees returns all employees for a tenant.
func (s *SQLSource) Employees(ctx context.Context, tenantID string) ([]*domain.Employee, error) {
	query := `
		SELECT id, name, pay_type, rate, COALESCE(schedule_id, '')
		FROM employees
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []*domain.Employee
	for rows.Next() {
		var emp domain.Employee
		var payType string
		if err := rows.Scan(&emp.ID, &emp.Name, &payType, &emp.Rate, &emp.ScheduleID); err != nil {
			return nil, err
		}
		emp.PayType = domain.PayType(payType)
		employees = append(employees, &emp)
	}

	return employees, rows.Err()
}

// TimeEntries returns all timecard entries for one employee, including
// open ones with an empty clock-out.
func (s *SQLSource) TimeEntries(ctx context.Context, tenantID string, employeeID string) ([]*domain.TimeEntry, error) {
	query := `
		SELECT id, employee_id, date, clock_in, COALESCE(clock_out, '')
		FROM time_entries
		WHERE tenant_id = ? AND employee_id = ?
		ORDER BY date, clock_in
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.TimeEntry
	for rows.Next() {
		var e domain.TimeEntry
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.Date, &e.ClockIn, &e.ClockOut); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// PayRuns returns all pay-run periods for a tenant.
func (s *SQLSource) PayRuns(ctx context.Context, tenantID string) ([]*domain.PayRun, error) {
	query := `
		SELECT period_start, period_end, status
		FROM pay_runs
		WHERE tenant_id = ?
		ORDER BY period_end
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.PayRun
	for rows.Next() {
		var run domain.PayRun
		if err := rows.Scan(&run.PeriodStart, &run.PeriodEnd, &run.Status); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// Schedules returns all work schedules for a tenant.
func (s *SQLSource) Schedules(ctx context.Context, tenantID string) ([]*domain.Schedule, error) {
	query := `
		SELECT id, hours_per_day, working_days, start_time
		FROM schedules
		WHERE tenant_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		var sch domain.Schedule
		var days string
		if err := rows.Scan(&sch.ID, &sch.HoursPerDay, &days, &sch.StartTime); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(days), &sch.WorkingDays)
		schedules = append(schedules, &sch)
	}

	return schedules, rows.Err()
}

// Ping checks payroll database connectivity.
func (s *SQLSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (s *SQLSource) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
