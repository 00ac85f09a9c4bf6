package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/galadd/labwarden/internal/logging"
	"github.com/galadd/labwarden/internal/model"
)

const errDuplicateEntry = 1062

// running_key is non-NULL only while the row is running, so the unique index
// allows one running row per (user, lab) and any number of terminal ones.
const schema = `
CREATE TABLE IF NOT EXISTS lab_instances (
	id             CHAR(36)      NOT NULL PRIMARY KEY,
	user_id        BIGINT        NOT NULL,
	lab_id         BIGINT        NOT NULL,
	lab_slug       VARCHAR(64)   NOT NULL,
	container_id   VARCHAR(128)  NOT NULL DEFAULT '',
	container_name VARCHAR(128)  NOT NULL,
	port           INT           NOT NULL,
	url            VARCHAR(255)  NOT NULL,
	status         VARCHAR(16)   NOT NULL,
	message        VARCHAR(1024) NOT NULL DEFAULT '',
	created_at     DATETIME(6)   NOT NULL,
	started_at     DATETIME(6)   NULL,
	stopped_at     DATETIME(6)   NULL,
	expires_at     DATETIME(6)   NULL,
	running_key    VARCHAR(64) AS (IF(status = 'running', CONCAT(user_id, '/', lab_id), NULL)) STORED,
	UNIQUE KEY uq_lab_instances_running (running_key),
	KEY idx_lab_instances_user (user_id, created_at),
	KEY idx_lab_instances_expiry (status, expires_at)
)`

const instanceColumns = `id, user_id, lab_id, lab_slug, container_id, container_name, port, url, status, message, created_at, started_at, stopped_at, expires_at`

type SQLRegistry struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLRegistry connects to MySQL and creates the instances table when it
// does not exist. Times are always read and written in UTC.
func NewSQLRegistry(ctx context.Context, dsn string, logger *slog.Logger) (*SQLRegistry, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	reg := NewSQLRegistryFromDB(db, logger)
	if err := reg.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	reg.logger.Info("connected to database", "database", cfg.DBName)
	return reg, nil
}

func NewSQLRegistryFromDB(db *sql.DB, logger *slog.Logger) *SQLRegistry {
	return &SQLRegistry{
		db:     db,
		logger: logging.Ensure(logger).With("component", "registry", "driver", "mysql"),
	}
}

func (r *SQLRegistry) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create lab_instances table: %w", err)
	}
	return nil
}

func (r *SQLRegistry) Create(ctx context.Context, inst *model.Instance) error {
	query := `
		INSERT INTO lab_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		inst.ID,
		inst.UserID,
		inst.LabID,
		inst.LabSlug,
		inst.ContainerID,
		inst.ContainerName,
		inst.Port,
		inst.URL,
		string(inst.Status),
		inst.Message,
		inst.CreatedAt.UTC(),
		nullTime(inst.StartedAt),
		nullTime(inst.StoppedAt),
		nullTime(inst.ExpiresAt),
	)
	if isDuplicate(err) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

func (r *SQLRegistry) Get(ctx context.Context, id string) (*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE id = ?`
	return r.one(r.db.QueryRowContext(ctx, query, id), id)
}

func (r *SQLRegistry) FindRunning(ctx context.Context, userID, labID int64) (*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE running_key = ?`
	inst, err := r.one(r.db.QueryRowContext(ctx, query, model.PairKey(userID, labID)), "")
	if errors.Is(err, ErrInstanceNotFound) {
		return nil, nil
	}
	return inst, err
}

func (r *SQLRegistry) Latest(ctx context.Context, userID, labID int64) (*model.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM lab_instances
		WHERE user_id = ? AND lab_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return r.one(r.db.QueryRowContext(ctx, query, userID, labID), model.PairKey(userID, labID))
}

func (r *SQLRegistry) ListExpired(ctx context.Context, now time.Time) ([]*model.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM lab_instances
		WHERE status = 'running' AND expires_at < ?
		ORDER BY expires_at
	`
	return r.many(ctx, query, now.UTC())
}

func (r *SQLRegistry) ListByUser(ctx context.Context, userID int64) ([]*model.Instance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM lab_instances
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`
	return r.many(ctx, query, userID)
}

func (r *SQLRegistry) ListRunning(ctx context.Context) ([]*model.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE status = 'running'`
	return r.many(ctx, query)
}

func (r *SQLRegistry) Transition(ctx context.Context, id string, to model.Status, mutate func(*model.Instance)) (*model.Instance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + instanceColumns + ` FROM lab_instances WHERE id = ? FOR UPDATE`
	inst, err := r.one(tx.QueryRowContext(ctx, query, id), id)
	if err != nil {
		return nil, err
	}

	if !inst.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inst.Status, to)
	}
	if mutate != nil {
		mutate(inst)
	}
	inst.Status = to

	update := `
		UPDATE lab_instances
		SET container_id = ?, container_name = ?, port = ?, url = ?, status = ?, message = ?,
			started_at = ?, stopped_at = ?, expires_at = ?
		WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, update,
		inst.ContainerID,
		inst.ContainerName,
		inst.Port,
		inst.URL,
		string(inst.Status),
		inst.Message,
		nullTime(inst.StartedAt),
		nullTime(inst.StoppedAt),
		nullTime(inst.ExpiresAt),
		id,
	)
	if isDuplicate(err) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	r.logger.Debug("instance transitioned", "instance", id, "status", to)
	return inst, nil
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *SQLRegistry) one(row *sql.Row, ref string) (*model.Instance, error) {
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}
	return inst, nil
}

func (r *SQLRegistry) many(ctx context.Context, query string, args ...any) ([]*model.Instance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var list []*model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read instance: %w", err)
		}
		list = append(list, inst)
	}
	return list, rows.Err()
}

func scanInstance(s scanner) (*model.Instance, error) {
	var (
		inst                      model.Instance
		status                    string
		started, stopped, expires sql.NullTime
	)
	err := s.Scan(
		&inst.ID,
		&inst.UserID,
		&inst.LabID,
		&inst.LabSlug,
		&inst.ContainerID,
		&inst.ContainerName,
		&inst.Port,
		&inst.URL,
		&status,
		&inst.Message,
		&inst.CreatedAt,
		&started,
		&stopped,
		&expires,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = model.Status(status)
	inst.StartedAt = timePtr(started)
	inst.StoppedAt = timePtr(stopped)
	inst.ExpiresAt = timePtr(expires)
	return &inst, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
