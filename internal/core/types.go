package core

import (
	"fmt"
	"time"
)

// TaskStatus describes whether a process is currently attributed to a task or subscription.
type TaskStatus string

const (
	TaskStatusIdle     TaskStatus = "idle"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusQueued   TaskStatus = "queued"
	TaskStatusDisabled TaskStatus = "disabled"
)

// Task represents a user-defined shell command on a cron schedule.
//
// IsDisabled decides whether a trigger should be registered; Status decides
// whether a process is attributed. The two are stored separately and may disagree.
type Task struct {
	ID         string
	Name       *string
	Command    string
	Schedule   string
	Status     TaskStatus
	PID        *int
	LogPath    *string
	IsDisabled bool
	IsPinned   bool
	Labels     []string
	// LastRunDurationSeconds is persisted in the last_running_time column,
	// which despite its name holds the elapsed seconds of the previous run.
	LastRunDurationSeconds int64
	// LastExecutionTime is the unix second the last run started.
	LastExecutionTime int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SubscriptionType selects how the pull tool fetches the source.
type SubscriptionType string

const (
	SubscriptionPublicRepo  SubscriptionType = "public-repo"
	SubscriptionPrivateRepo SubscriptionType = "private-repo"
	SubscriptionFile        SubscriptionType = "file"
)

// ScheduleType selects between a cron expression and a fixed interval.
type ScheduleType string

const (
	ScheduleCrontab  ScheduleType = "crontab"
	ScheduleInterval ScheduleType = "interval"
)

// PullType selects how credentials are embedded in the subscription URL.
type PullType string

const (
	PullSSHKey  PullType = "ssh-key"
	PullUserPwd PullType = "user-pwd"
)

// PullOption carries the credentials for private subscriptions.
type PullOption struct {
	PrivateKey string `json:"private_key,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

// IntervalUnit is the unit of an IntervalSchedule.
type IntervalUnit string

const (
	IntervalDays    IntervalUnit = "days"
	IntervalHours   IntervalUnit = "hours"
	IntervalMinutes IntervalUnit = "minutes"
	IntervalSeconds IntervalUnit = "seconds"
)

// IntervalSchedule fires every Value units.
type IntervalSchedule struct {
	Unit  IntervalUnit `json:"type"`
	Value int          `json:"value"`
}

// Duration converts the schedule into a time.Duration.
func (s IntervalSchedule) Duration() (time.Duration, error) {
	if s.Value < 1 {
		return 0, fmt.Errorf("interval value must be >= 1, got %d", s.Value)
	}
	var unit time.Duration
	switch s.Unit {
	case IntervalDays:
		unit = 24 * time.Hour
	case IntervalHours:
		unit = time.Hour
	case IntervalMinutes:
		unit = time.Minute
	case IntervalSeconds:
		unit = time.Second
	default:
		return 0, fmt.Errorf("unknown interval unit %q", s.Unit)
	}
	return time.Duration(s.Value) * unit, nil
}

// Subscription is a task generator: it pulls a repository or file on a schedule.
type Subscription struct {
	ID           string
	Name         *string
	Alias        string
	Type         SubscriptionType
	ScheduleType ScheduleType
	Schedule     string
	Interval     IntervalSchedule
	URL          string
	PullType     PullType
	PullOption   PullOption
	Branch       string
	Whitelist    string
	Blacklist    string
	Dependences  string
	Extensions   string
	SubBefore    string
	SubAfter     string
	Status       TaskStatus
	PID          *int
	LogPath      *string
	IsDisabled   bool
	Labels       []string

	LastRunDurationSeconds int64
	LastExecutionTime      int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Ecosystem identifies the package manager used for a dependency.
type Ecosystem string

const (
	EcosystemNodeJS  Ecosystem = "nodejs"
	EcosystemPython3 Ecosystem = "python3"
	EcosystemLinux   Ecosystem = "linux"
)

// DependencyStatus describes the install lifecycle of a dependency.
type DependencyStatus string

const (
	DependencyInstalling    DependencyStatus = "installing"
	DependencyInstalled     DependencyStatus = "installed"
	DependencyInstallFailed DependencyStatus = "installFailed"
	DependencyRemoving      DependencyStatus = "removing"
	DependencyRemoved       DependencyStatus = "removed"
	DependencyRemoveFailed  DependencyStatus = "removeFailed"
)

// Dependency is a package installed through an ecosystem package manager.
type Dependency struct {
	ID        string
	Name      string
	Ecosystem Ecosystem
	Status    DependencyStatus
	Log       []string
	Remark    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusUpdate is the partial record written back by the engine.
// PID is always written (nil clears it); nil pointer fields otherwise leave
// the stored value untouched.
type StatusUpdate struct {
	Status                 TaskStatus
	PID                    *int
	LogPath                *string
	LastExecutionTime      *int64
	LastRunDurationSeconds *int64
}

// RunKind tells which kind of record a Run belongs to.
type RunKind string

const (
	RunKindTask         RunKind = "task"
	RunKindSubscription RunKind = "subscription"
)

// Run is one recorded execution of a task or subscription.
type Run struct {
	ID              string
	OwnerID         string
	Kind            RunKind
	PID             *int
	LogPath         *string
	StartedAt       time.Time
	EndedAt         *time.Time
	ExitCode        *int
	DurationSeconds *int64
}
