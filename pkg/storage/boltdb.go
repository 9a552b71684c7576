package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/coreinit/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUnits = []byte("units")
	bucketJobs  = []byte("jobs")
	bucketMeta  = []byte("meta")

	metaKey = []byte("meta")
)

// BoltStore implements Store using an embedded BoltDB file, one per
// manager instance, with one bucket per record family and JSON-encoded
// values keyed by the record's natural ID.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the manager's state database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "coreinit.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketUnits, bucketJobs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveUnit upserts a unit record keyed by its canonical ID.
func (s *BoltStore) SaveUnit(unit *types.Unit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		data, err := json.Marshal(unit)
		if err != nil {
			return err
		}
		return b.Put([]byte(unit.ID), data)
	})
}

// GetUnit looks up a single unit by ID.
func (s *BoltStore) GetUnit(id string) (*types.Unit, error) {
	var unit types.Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("unit not found: %s", id)
		}
		return json.Unmarshal(data, &unit)
	})
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// ListUnits returns every persisted unit.
func (s *BoltStore) ListUnits() ([]*types.Unit, error) {
	var units []*types.Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnits)
		return b.ForEach(func(k, v []byte) error {
			var unit types.Unit
			if err := json.Unmarshal(v, &unit); err != nil {
				return err
			}
			units = append(units, &unit)
			return nil
		})
	})
	return units, err
}

// DeleteUnit removes a unit record, idempotently.
func (s *BoltStore) DeleteUnit(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnits).Delete([]byte(id))
	})
}

func jobKey(id types.JobID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// SaveJob upserts a job record keyed by its numeric ID, big-endian encoded
// so bucket iteration order matches ID order (useful for ListJobs callers
// that want a stable, deterministic ordering without an extra sort).
func (s *BoltStore) SaveJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(jobKey(job.ID), data)
	})
}

// GetJob looks up a single job by ID.
func (s *BoltStore) GetJob(id types.JobID) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get(jobKey(id))
		if data == nil {
			return fmt.Errorf("job not found: %d", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns every persisted job, in ascending ID order.
func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// DeleteJob removes a job record, idempotently. Its only caller is the
// re-exec FSM's delete_job command, which the manager never proposes, so
// records of finished jobs stay in the store.
func (s *BoltStore) DeleteJob(id types.JobID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(id))
	})
}

// SaveMeta upserts the manager-wide scalar counters.
func (s *BoltStore) SaveMeta(meta Meta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put(metaKey, data)
	})
}

// GetMeta returns the manager-wide scalar counters, or a zero Meta if none
// has ever been saved (a fresh database).
func (s *BoltStore) GetMeta() (Meta, error) {
	var meta Meta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get(metaKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}
