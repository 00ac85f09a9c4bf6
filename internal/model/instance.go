package model

import (
	"fmt"
	"time"
)

type Status string

const (
	Pending Status = "pending"
	Running Status = "running"
	Stopped Status = "stopped"
	Error   Status = "error"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == Stopped || s == Error
}

// CanTransition reports whether an instance in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case Pending:
		return next == Running || next == Stopped || next == Error
	case Running:
		return next == Stopped || next == Error
	default:
		return false
	}
}

type Instance struct {
	ID      string `json:"id"`
	UserID  int64  `json:"user_id"`
	LabID   int64  `json:"lab_id"`
	LabSlug string `json:"lab_slug"`

	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name"`

	Port    int    `json:"port"`
	URL     string `json:"lab_url"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Key identifies the (user, lab) pair that may own at most one running instance.
func (i *Instance) Key() string {
	return PairKey(i.UserID, i.LabID)
}

func (i *Instance) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

func PairKey(userID, labID int64) string {
	return fmt.Sprintf("%d/%d", userID, labID)
}
