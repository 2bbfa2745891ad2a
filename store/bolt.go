package store

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var jobsBucket = []byte("jobs")

// BoltStore keeps the registry in a bbolt file so job history survives a
// restart. Jobs found active on open belong to a dead process and are
// marked failed.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the registry file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(jobsBucket)
		if err != nil {
			return err
		}
		return failOrphans(b)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare jobs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func failOrphans(b *bbolt.Bucket) error {
	var orphans []*JobRecord
	err := b.ForEach(func(k, v []byte) error {
		var job JobRecord
		if err := json.Unmarshal(v, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
		}
		if !job.Status.Terminal() {
			orphans = append(orphans, &job)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, job := range orphans {
		job.Status = StatusFailed
		job.Error = "interrupted by restart"
		if err := putJSON(b, job); err != nil {
			return err
		}
	}
	return nil
}

func putJSON(b *bbolt.Bucket, job *JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := b.Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to put job: %w", err)
	}
	return nil
}

func (s *BoltStore) Put(job *JobRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(jobsBucket), job)
	})
}

func (s *BoltStore) Get(id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) List() ([]*JobRecord, error) {
	var jobs []*JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortByCreated(jobs)
	return jobs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
