// Package domain defines the core interfaces and types for Shrike.
package domain

import (
	"context"
	"time"
)

// PayType classifies how an employee is compensated.
type PayType string

const (
	PayTypeYearly PayType = "yearly"
	PayTypeDaily  PayType = "daily"
	PayTypeHourly PayType = "hourly"
)

// Employee is the read-only view of an employee consumed from the
// surrounding payroll application.
type Employee struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	PayType    PayType `json:"payType"`
	Rate       float64 `json:"rate"`
	ScheduleID string  `json:"scheduleId,omitempty"`
}

// TimeEntry is a raw clock-in/clock-out record. Only entries with a
// non-empty ClockOut are eligible for scoring.
type TimeEntry struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employeeId"`
	Date       string `json:"date"`     // "2006-01-02"
	ClockIn    string `json:"clockIn"`  // "15:04"
	ClockOut   string `json:"clockOut"` // "15:04", empty while still clocked in
}

// PayRun describes one pay-run period boundary.
type PayRun struct {
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
	Status      string    `json:"status"`
}

// Schedule describes an employee work schedule.
type Schedule struct {
	ID          string  `json:"id"`
	HoursPerDay float64 `json:"hoursPerDay"`
	WorkingDays []int   `json:"workingDays"` // 0=Sunday .. 6=Saturday
	StartTime   string  `json:"startTime"`   // "15:04"
}

// DataSource is the engine's read-only view of the payroll application's
// data-access layer. Implementations must be safe for concurrent use:
// TimeEntries is called concurrently per employee during a scan.
type DataSource interface {
	Employees(ctx context.Context, tenantID string) ([]*Employee, error)
	TimeEntries(ctx context.Context, tenantID string, employeeID string) ([]*TimeEntry, error)
	PayRuns(ctx context.Context, tenantID string) ([]*PayRun, error)
	Schedules(ctx context.Context, tenantID string) ([]*Schedule, error)
}
