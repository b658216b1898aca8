package emergency

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusInitiated  Status = "INITIATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusRecovering Status = "RECOVERING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrIncidentNotFound   = errors.New("incident not found")
	ErrInvalidTransition  = errors.New("invalid incident status transition")
	ErrCoordinatorStopped = errors.New("emergency coordinator stopped")
)

var transitions = map[Status][]Status{
	StatusInitiated:  {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusRecovering, StatusFailed},
	StatusRecovering: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action is one timestamped entry of the incident audit log.
type Action struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func (a Action) String() string {
	return a.Time.UTC().Format(time.RFC3339Nano) + " " + a.Message
}

// Incident is a snapshot of an emergency-response workflow instance.
type Incident struct {
	ID             string    `json:"id"`
	Trigger        Trigger   `json:"trigger"`
	Status         Status    `json:"status"`
	Actions        []Action  `json:"actions"`
	Artifacts      []string  `json:"artifacts,omitempty"`
	BackupLocation string    `json:"backup_location,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// incident is the coordinator's mutable record. The action log is
// append-only and frozen once the status is terminal.
type incident struct {
	mu   sync.Mutex
	data Incident
}

func newIncident(id string, trigger Trigger, now time.Time) *incident {
	return &incident{data: Incident{
		ID:        id,
		Trigger:   trigger,
		Status:    StatusInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

func (i *incident) record(now time.Time, format string, args ...any) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.data.Status.Terminal() {
		return false
	}
	i.data.Actions = append(i.data.Actions, Action{Time: now, Message: fmt.Sprintf(format, args...)})
	i.data.UpdatedAt = now
	return true
}

func (i *incident) transition(now time.Time, to Status) (Status, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.data.Status
	if !canTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	i.data.Status = to
	i.data.Actions = append(i.data.Actions, Action{Time: now, Message: fmt.Sprintf("Status changed: %s -> %s", from, to)})
	i.data.UpdatedAt = now
	return from, nil
}

func (i *incident) fail(now time.Time, reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.data.Status
	if !canTransition(from, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusFailed)
	}
	i.data.Actions = append(i.data.Actions, Action{Time: now, Message: fmt.Sprintf("Status changed: %s -> %s: %s", from, StatusFailed, reason)})
	i.data.Status = StatusFailed
	i.data.Error = reason
	i.data.UpdatedAt = now
	return nil
}

func (i *incident) status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data.Status
}

func (i *incident) setBackup(location string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.BackupLocation = location
}

func (i *incident) addArtifact(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data.Artifacts = append(i.data.Artifacts, id)
}

func (i *incident) snapshot() Incident {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.data
	s.Actions = append([]Action(nil), i.data.Actions...)
	s.Artifacts = append([]string(nil), i.data.Artifacts...)
	return s
}
