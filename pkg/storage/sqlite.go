package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite. Write transactions start with
// BEGIN IMMEDIATE, so several processes can share one state file and still
// get a per-environment lock.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database at path and runs migrations
func NewSQLiteStore(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = DefaultOpenTimeout
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_txlock=immediate&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations applies the embedded schema migrations
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type deploymentRow struct {
	Seq    int64  `db:"seq"`
	ID     string `db:"id"`
	Record string `db:"record"`
}

func (r deploymentRow) decode() (*types.DeploymentRecord, error) {
	var rec types.DeploymentRecord
	if err := json.Unmarshal([]byte(r.Record), &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %s: %w", r.ID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) withTx(fn func(tx *sqlx.Tx) error) error {
	ctx := context.Background()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Acquire(rec *types.DeploymentRecord) (*Lock, error) {
	err := s.withTx(func(tx *sqlx.Tx) error {
		holder, err := lockHolder(tx, rec.Environment)
		if err != nil {
			return err
		}
		if holder != "" {
			return &types.BusyError{Environment: rec.Environment, DeploymentID: holder}
		}
		if _, err := getRecordSQL(tx, rec.ID); err == nil {
			return alreadyExists(rec.ID)
		} else if !errors.Is(err, types.ErrNotFound) {
			return err
		}

		prev, err := latestCountedSQL(tx, rec.Environment)
		if err != nil {
			return err
		}
		if prev != nil {
			rec.PreviousImageTag = prev.RunningImageTag
		}

		if err := upsertRecord(tx, rec); err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO environment_locks (environment, deployment_id, acquired_at) VALUES (?, ?, ?)`,
			rec.Environment, rec.ID, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Lock{Environment: rec.Environment, DeploymentID: rec.ID}, nil
}

func (s *SQLiteStore) Release(lock *Lock) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		holder, err := lockHolder(tx, lock.Environment)
		if err != nil || holder != lock.DeploymentID {
			return err
		}
		rec, err := getRecordSQL(tx, lock.DeploymentID)
		if err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			return ErrNotTerminal
		}
		_, err = tx.Exec(`DELETE FROM environment_locks WHERE environment = ?`, lock.Environment)
		return err
	})
}

func (s *SQLiteStore) Append(rec *types.DeploymentRecord) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		holder, err := lockHolder(tx, rec.Environment)
		if err != nil {
			return err
		}
		if err := checkAppend(rec, holder); err != nil {
			return err
		}
		return upsertRecord(tx, rec)
	})
}

func (s *SQLiteStore) UpdateStatus(id string, update types.StatusUpdate) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.withTx(func(tx *sqlx.Tx) error {
		rec, err := getRecordSQL(tx, id)
		if err != nil {
			return err
		}
		if err := rec.Apply(update); err != nil {
			return err
		}
		if err := upsertRecord(tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Get(id string) (*types.DeploymentRecord, error) {
	return getRecordSQL(s.db, id)
}

func (s *SQLiteStore) Latest(environment string) (*types.DeploymentRecord, error) {
	var row deploymentRow
	err := s.db.Get(&row, `SELECT seq, id, record FROM deployments WHERE environment = ? ORDER BY seq DESC LIMIT 1`, environment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("environment", environment)
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func (s *SQLiteStore) LatestSucceeded(environment string) (*types.DeploymentRecord, error) {
	return latestCountedSQL(s.db, environment)
}

func (s *SQLiteStore) List(environment string, limit int) ([]*types.DeploymentRecord, error) {
	query := `SELECT seq, id, record FROM deployments WHERE environment = ? ORDER BY seq DESC`
	args := []any{environment}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []deploymentRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}

	out := make([]*types.DeploymentRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteStore) Clear(environment, reason string) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.withTx(func(tx *sqlx.Tx) error {
		holder, err := lockHolder(tx, environment)
		if err != nil {
			return err
		}
		if holder == "" {
			return notFound("in-flight deployment for environment", environment)
		}
		rec, err := getRecordSQL(tx, holder)
		if err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			if err := rec.Apply(clearUpdate(reason)); err != nil {
				return err
			}
			if err := upsertRecord(tx, rec); err != nil {
				return err
			}
		}
		out = rec
		_, err = tx.Exec(`DELETE FROM environment_locks WHERE environment = ?`, environment)
		return err
	})
	return out, err
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	Get(dest any, query string, args ...any) error
}

func lockHolder(q queryer, environment string) (string, error) {
	var id string
	err := q.Get(&id, `SELECT deployment_id FROM environment_locks WHERE environment = ?`, environment)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func getRecordSQL(q queryer, id string) (*types.DeploymentRecord, error) {
	var row deploymentRow
	err := q.Get(&row, `SELECT seq, id, record FROM deployments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("deployment", id)
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func latestCountedSQL(q queryer, environment string) (*types.DeploymentRecord, error) {
	var row deploymentRow
	err := q.Get(&row, `SELECT seq, id, record FROM deployments
		WHERE environment = ? AND dry_run = 0 AND running_image_tag != ''
		  AND status IN (?, ?)
		ORDER BY seq DESC LIMIT 1`,
		environment, types.StatusSucceeded, types.StatusRolledBack)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

func upsertRecord(tx *sqlx.Tx, rec *types.DeploymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO deployments (id, environment, status, dry_run, running_image_tag, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			running_image_tag = excluded.running_image_tag,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Environment, rec.Status, rec.DryRun, rec.RunningImageTag, string(data),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
