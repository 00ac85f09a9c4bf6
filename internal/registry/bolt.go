package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/model"
)

var (
	instancesBucket = []byte("instances")
	// running maps "userID/labID" to the id of the pair's running instance.
	runningBucket = []byte("running")
)

type BoltRegistry struct {
	db     *bbolt.DB
	logger *slog.Logger
}

func NewBoltRegistry(path string, logger *slog.Logger) (*BoltRegistry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{instancesBucket, runningBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltRegistry{
		db:     db,
		logger: logging.Ensure(logger).With("component", "registry", "driver", "bolt"),
	}, nil
}

func (r *BoltRegistry) Create(ctx context.Context, inst *model.Instance) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		instances := tx.Bucket(instancesBucket)
		if instances.Get([]byte(inst.ID)) != nil {
			return fmt.Errorf("instance %s already exists", inst.ID)
		}

		if inst.Status == model.Running {
			running := tx.Bucket(runningBucket)
			key := []byte(inst.Key())
			if running.Get(key) != nil {
				return ErrAlreadyRunning
			}
			if err := running.Put(key, []byte(inst.ID)); err != nil {
				return fmt.Errorf("failed to index running instance: %w", err)
			}
		}

		return putInstance(instances, inst)
	})
}

func (r *BoltRegistry) Get(ctx context.Context, id string) (*model.Instance, error) {
	var inst *model.Instance
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		inst, err = getInstance(tx.Bucket(instancesBucket), id)
		return err
	})
	return inst, err
}

func (r *BoltRegistry) FindRunning(ctx context.Context, userID, labID int64) (*model.Instance, error) {
	var inst *model.Instance
	err := r.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(runningBucket).Get([]byte(model.PairKey(userID, labID)))
		if id == nil {
			return nil
		}
		var err error
		inst, err = getInstance(tx.Bucket(instancesBucket), string(id))
		return err
	})
	return inst, err
}

func (r *BoltRegistry) Latest(ctx context.Context, userID, labID int64) (*model.Instance, error) {
	list, err := r.filter(func(inst *model.Instance) bool {
		return inst.UserID == userID && inst.LabID == labID
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrInstanceNotFound
	}
	newestFirst(list)
	return list[0], nil
}

func (r *BoltRegistry) ListExpired(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	running, err := r.ListRunning(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*model.Instance
	for _, inst := range running {
		if inst.Expired(now) {
			expired = append(expired, inst)
		}
	}
	return expired, nil
}

func (r *BoltRegistry) ListByUser(ctx context.Context, userID int64) ([]*model.Instance, error) {
	list, err := r.filter(func(inst *model.Instance) bool {
		return inst.UserID == userID
	})
	if err != nil {
		return nil, err
	}
	newestFirst(list)
	return list, nil
}

func (r *BoltRegistry) ListRunning(ctx context.Context) ([]*model.Instance, error) {
	var list []*model.Instance
	err := r.db.View(func(tx *bbolt.Tx) error {
		instances := tx.Bucket(instancesBucket)
		return tx.Bucket(runningBucket).ForEach(func(k, v []byte) error {
			inst, err := getInstance(instances, string(v))
			if err != nil {
				return fmt.Errorf("running index %s: %w", k, err)
			}
			list = append(list, inst)
			return nil
		})
	})
	return list, err
}

func (r *BoltRegistry) Transition(ctx context.Context, id string, to model.Status, mutate func(*model.Instance)) (*model.Instance, error) {
	var inst *model.Instance
	err := r.db.Update(func(tx *bbolt.Tx) error {
		instances := tx.Bucket(instancesBucket)
		running := tx.Bucket(runningBucket)

		var err error
		inst, err = getInstance(instances, id)
		if err != nil {
			return err
		}

		from := inst.Status
		if !from.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		if mutate != nil {
			mutate(inst)
		}
		inst.Status = to

		key := []byte(inst.Key())
		switch {
		case to == model.Running:
			if cur := running.Get(key); cur != nil && string(cur) != id {
				return ErrAlreadyRunning
			}
			if err := running.Put(key, []byte(id)); err != nil {
				return err
			}
		case from == model.Running:
			if cur := running.Get(key); cur != nil && string(cur) == id {
				if err := running.Delete(key); err != nil {
					return err
				}
			}
		}

		return putInstance(instances, inst)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("instance transitioned", "instance", id, "status", to)
	return inst, nil
}

func (r *BoltRegistry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *BoltRegistry) filter(keep func(*model.Instance) bool) ([]*model.Instance, error) {
	var list []*model.Instance
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(k, v []byte) error {
			var inst model.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return fmt.Errorf("failed to unmarshal instance %s: %w", k, err)
			}
			if keep(&inst) {
				list = append(list, &inst)
			}
			return nil
		})
	})
	return list, err
}

func putInstance(bucket *bbolt.Bucket, inst *model.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	// key = instance id, value = JSON bytes
	if err := bucket.Put([]byte(inst.ID), data); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func getInstance(bucket *bbolt.Bucket, id string) (*model.Instance, error) {
	data := bucket.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	inst := &model.Instance{}
	if err := json.Unmarshal(data, inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return inst, nil
}
