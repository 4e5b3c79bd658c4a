package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDeployments  = []byte("deployments")
	bucketEnvironments = []byte("environments")
	bucketHistory      = []byte("history")

	keyInFlight = []byte("inflight")
)

// DefaultOpenTimeout bounds how long an operation waits for another process's transaction
const DefaultOpenTimeout = 5 * time.Second

// BoltStore implements Store using BoltDB. The file is opened for the
// duration of each operation, so concurrent CLI processes against the same
// state file only contend for one transaction at a time and the in-flight
// pointer keeps their runs apart.
type BoltStore struct {
	path    string
	timeout time.Duration
	mu      sync.Mutex
}

// NewBoltStore creates the state file at path if needed
func NewBoltStore(path string, openTimeout time.Duration) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}
	s := &BoltStore{path: path, timeout: openTimeout}

	// Create buckets
	err := s.update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketDeployments, bucketEnvironments} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; the file is only held during an operation
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) open() (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.timeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("state file %s is locked by another process: %w", s.path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (s *BoltStore) update(fn func(*bolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *BoltStore) view(fn func(*bolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

func (s *BoltStore) Acquire(rec *types.DeploymentRecord) (*Lock, error) {
	err := s.update(func(tx *bolt.Tx) error {
		env, err := envBucket(tx, rec.Environment, true)
		if err != nil {
			return err
		}
		if holder := env.Get(keyInFlight); holder != nil {
			return &types.BusyError{Environment: rec.Environment, DeploymentID: string(holder)}
		}
		if tx.Bucket(bucketDeployments).Get([]byte(rec.ID)) != nil {
			return alreadyExists(rec.ID)
		}

		prev, err := latestCounted(tx, env)
		if err != nil {
			return err
		}
		if prev != nil {
			rec.PreviousImageTag = prev.RunningImageTag
		}

		if err := putRecord(tx, env, rec); err != nil {
			return err
		}
		return env.Put(keyInFlight, []byte(rec.ID))
	})
	if err != nil {
		return nil, err
	}
	return &Lock{Environment: rec.Environment, DeploymentID: rec.ID}, nil
}

func (s *BoltStore) Release(lock *Lock) error {
	return s.update(func(tx *bolt.Tx) error {
		env, err := envBucket(tx, lock.Environment, false)
		if err != nil || env == nil {
			return err
		}
		if string(env.Get(keyInFlight)) != lock.DeploymentID {
			return nil
		}
		rec, err := getRecord(tx, lock.DeploymentID)
		if err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			return ErrNotTerminal
		}
		return env.Delete(keyInFlight)
	})
}

func (s *BoltStore) Append(rec *types.DeploymentRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		env, err := envBucket(tx, rec.Environment, true)
		if err != nil {
			return err
		}
		if err := checkAppend(rec, string(env.Get(keyInFlight))); err != nil {
			return err
		}
		return putRecord(tx, env, rec)
	})
}

func (s *BoltStore) UpdateStatus(id string, update types.StatusUpdate) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		if err != nil {
			return err
		}
		if err := rec.Apply(update); err != nil {
			return err
		}
		if err := writeRecord(tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *BoltStore) Get(id string) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.view(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, id)
		out = rec
		return err
	})
	return out, err
}

func (s *BoltStore) Latest(environment string) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.view(func(tx *bolt.Tx) error {
		env, _ := envBucket(tx, environment, false)
		if env == nil {
			return notFound("environment", environment)
		}
		_, id := env.Bucket(bucketHistory).Cursor().Last()
		if id == nil {
			return notFound("environment", environment)
		}
		rec, err := getRecord(tx, string(id))
		out = rec
		return err
	})
	return out, err
}

func (s *BoltStore) LatestSucceeded(environment string) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.view(func(tx *bolt.Tx) error {
		env, _ := envBucket(tx, environment, false)
		if env == nil {
			return nil
		}
		rec, err := latestCounted(tx, env)
		out = rec
		return err
	})
	return out, err
}

func (s *BoltStore) List(environment string, limit int) ([]*types.DeploymentRecord, error) {
	var out []*types.DeploymentRecord
	err := s.view(func(tx *bolt.Tx) error {
		env, _ := envBucket(tx, environment, false)
		if env == nil {
			return nil
		}
		c := env.Bucket(bucketHistory).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) == limit {
				break
			}
			rec, err := getRecord(tx, string(id))
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Clear(environment, reason string) (*types.DeploymentRecord, error) {
	var out *types.DeploymentRecord
	err := s.update(func(tx *bolt.Tx) error {
		env, _ := envBucket(tx, environment, false)
		var id []byte
		if env != nil {
			id = env.Get(keyInFlight)
		}
		if id == nil {
			return notFound("in-flight deployment for environment", environment)
		}
		rec, err := getRecord(tx, string(id))
		if err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			if err := rec.Apply(clearUpdate(reason)); err != nil {
				return err
			}
			if err := writeRecord(tx, rec); err != nil {
				return err
			}
		}
		out = rec
		return env.Delete(keyInFlight)
	})
	return out, err
}

// envBucket returns the per-environment bucket, creating it and its history
// sub-bucket when create is set
func envBucket(tx *bolt.Tx, environment string, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(bucketEnvironments)
	if !create {
		return root.Bucket([]byte(environment)), nil
	}
	env, err := root.CreateBucketIfNotExists([]byte(environment))
	if err != nil {
		return nil, fmt.Errorf("failed to create environment bucket %s: %w", environment, err)
	}
	if _, err := env.CreateBucketIfNotExists(bucketHistory); err != nil {
		return nil, err
	}
	return env, nil
}

// putRecord writes the record and indexes new ids in the environment history
func putRecord(tx *bolt.Tx, env *bolt.Bucket, rec *types.DeploymentRecord) error {
	if tx.Bucket(bucketDeployments).Get([]byte(rec.ID)) == nil {
		history := env.Bucket(bucketHistory)
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		if err := history.Put(itob(seq), []byte(rec.ID)); err != nil {
			return err
		}
	}
	return writeRecord(tx, rec)
}

func writeRecord(tx *bolt.Tx, rec *types.DeploymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDeployments).Put([]byte(rec.ID), data)
}

func getRecord(tx *bolt.Tx, id string) (*types.DeploymentRecord, error) {
	data := tx.Bucket(bucketDeployments).Get([]byte(id))
	if data == nil {
		return nil, notFound("deployment", id)
	}
	var rec types.DeploymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func latestCounted(tx *bolt.Tx, env *bolt.Bucket) (*types.DeploymentRecord, error) {
	c := env.Bucket(bucketHistory).Cursor()
	for k, id := c.Last(); k != nil; k, id = c.Prev() {
		rec, err := getRecord(tx, string(id))
		if err != nil {
			return nil, err
		}
		if rec.Counts() {
			return rec, nil
		}
	}
	return nil, nil
}

// itob encodes a sequence as a big-endian key so cursors iterate in order
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
