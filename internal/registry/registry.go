// Package registry persists every lab instance ever created.
package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/galadd/labwarden/internal/model"
)

var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrAlreadyRunning    = errors.New("a running instance already exists for this user and lab")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry stores instances. At most one running instance may exist per
// (user, lab) pair; Create and Transition enforce it.
type Registry interface {
	Create(ctx context.Context, inst *model.Instance) error
	Get(ctx context.Context, id string) (*model.Instance, error)

	// FindRunning returns nil, nil when the pair has no running instance.
	FindRunning(ctx context.Context, userID, labID int64) (*model.Instance, error)
	Latest(ctx context.Context, userID, labID int64) (*model.Instance, error)

	ListExpired(ctx context.Context, now time.Time) ([]*model.Instance, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.Instance, error)
	ListRunning(ctx context.Context) ([]*model.Instance, error)

	// Transition moves an instance to status to, applying mutate to the
	// stored copy in the same transaction.
	Transition(ctx context.Context, id string, to model.Status, mutate func(*model.Instance)) (*model.Instance, error)

	Close() error
}

func newestFirst(list []*model.Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
