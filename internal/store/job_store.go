package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/platform/logger"
)

// JobStoreConfig names the key layout and retention of job data.
type JobStoreConfig struct {
	JobPrefix         string
	FingerprintPrefix string
	// TTL applies to job records and fingerprint entries; zero disables expiry.
	TTL time.Duration
}

// JobFilter narrows List results. Zero values match everything.
type JobFilter struct {
	OwnerID       string
	Statuses      []domain.JobStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f JobFilter) matches(job *domain.Job) bool {
	if f.OwnerID != "" && job.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if job.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && job.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// JobStore persists job records and the fingerprint index on top of a KV.
//
// Every mutation goes through Update, which holds a per-job lock across the
// read, the caller's check and the write. Combined with the caller re-checking
// the current status inside fn, this is the guard that keeps concurrent
// dispatch, completion and stop paths from overwriting each other.
type JobStore struct {
	kv    KV
	cfg   JobStoreConfig
	locks *KeyedMutex
}

// NewJobStore creates a JobStore over kv.
func NewJobStore(kv KV, cfg JobStoreConfig) *JobStore {
	return &JobStore{
		kv:    kv,
		cfg:   cfg,
		locks: NewKeyedMutex(),
	}
}

func (s *JobStore) jobKey(id uuid.UUID) string {
	return s.cfg.JobPrefix + id.String()
}

func (s *JobStore) fingerprintKey(fp string) string {
	return s.cfg.FingerprintPrefix + fp
}

func (s *JobStore) put(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return NewStoreError("job", "encode", "failed to encode job", err)
	}
	if err := s.kv.Put(ctx, s.jobKey(job.ID), data, s.cfg.TTL); err != nil {
		return NewStoreError("job", "put", "failed to write job", err)
	}
	return nil
}

func (s *JobStore) get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	data, err := s.kv.Get(ctx, s.jobKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, NewStoreError("job", "get", "failed to read job", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, NewStoreError("job", "decode", "failed to decode job", fmt.Errorf("%w: %v", ErrCorruptRecord, err))
	}
	return &job, nil
}

// Create stores a new job. It returns ErrJobExists if the id is taken.
func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	unlock := s.locks.Lock(s.jobKey(job.ID))
	defer unlock()

	if _, err := s.get(ctx, job.ID); err == nil {
		return ErrJobExists
	} else if !errors.Is(err, ErrJobNotFound) {
		return err
	}

	return s.put(ctx, job)
}

// Get returns the job with the given id or ErrJobNotFound.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.get(ctx, id)
}

// Update reads the job, applies fn and writes the result back while holding
// the job's lock. fn sees the latest stored state; if it returns an error
// nothing is written and that error is returned unchanged. The write resets
// the record's expiry.
func (s *JobStore) Update(ctx context.Context, id uuid.UUID, fn func(job *domain.Job) error) (*domain.Job, error) {
	unlock := s.locks.Lock(s.jobKey(id))
	defer unlock()

	job, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	if err := s.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes the job record. Deleting a missing job is not an error.
func (s *JobStore) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(s.jobKey(id))
	defer unlock()

	if err := s.kv.Delete(ctx, s.jobKey(id)); err != nil {
		return NewStoreError("job", "delete", "failed to delete job", err)
	}
	return nil
}

// DeleteIf removes the job only if fn, called with the latest stored state
// under the job's lock, returns nil. fn's error is returned unchanged and
// nothing is deleted. The deleted record is returned.
func (s *JobStore) DeleteIf(ctx context.Context, id uuid.UUID, fn func(job *domain.Job) error) (*domain.Job, error) {
	unlock := s.locks.Lock(s.jobKey(id))
	defer unlock()

	job, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	if err := s.kv.Delete(ctx, s.jobKey(id)); err != nil {
		return nil, NewStoreError("job", "delete", "failed to delete job", err)
	}
	return job, nil
}

// List returns the jobs matching filter ordered by creation time, oldest
// first, with the job id as tie-breaker. Keys that disappear between the scan
// and the read, and records that cannot be decoded, are skipped.
func (s *JobStore) List(ctx context.Context, filter JobFilter) ([]*domain.Job, error) {
	log := logger.FromContext(ctx)

	keys, err := s.kv.Scan(ctx, s.cfg.JobPrefix)
	if err != nil {
		return nil, NewStoreError("job", "scan", "failed to scan jobs", err)
	}

	jobs := make([]*domain.Job, 0, len(keys))
	for _, key := range keys {
		id, err := uuid.Parse(strings.TrimPrefix(key, s.cfg.JobPrefix))
		if err != nil {
			continue
		}

		job, err := s.get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			if errors.Is(err, ErrCorruptRecord) {
				log.Warn("skipping undecodable job record", "key", key, "error", err)
				continue
			}
			return nil, err
		}

		if filter.matches(job) {
			jobs = append(jobs, job)
		}
	}

	SortJobs(jobs)
	return jobs, nil
}

// SortJobs orders jobs by creation time ascending, then by id.
func SortJobs(jobs []*domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
}

// LookupFingerprint returns the job id that last claimed fp.
// The boolean is false when no job has claimed it.
func (s *JobStore) LookupFingerprint(ctx context.Context, fp string) (uuid.UUID, bool, error) {
	data, err := s.kv.Get(ctx, s.fingerprintKey(fp))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, NewStoreError("fingerprint", "get", "failed to read fingerprint", err)
	}

	id, err := uuid.ParseBytes(data)
	if err != nil {
		// an unreadable entry cannot point at a completed job
		logger.FromContext(ctx).Warn("ignoring malformed fingerprint entry", "fingerprint", fp)
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// ClaimFingerprint points fp at id. The last writer wins.
func (s *JobStore) ClaimFingerprint(ctx context.Context, fp string, id uuid.UUID) error {
	unlock := s.locks.Lock(s.fingerprintKey(fp))
	defer unlock()

	if err := s.kv.Put(ctx, s.fingerprintKey(fp), []byte(id.String()), s.cfg.TTL); err != nil {
		return NewStoreError("fingerprint", "put", "failed to claim fingerprint", err)
	}
	return nil
}

// ReleaseFingerprint removes the fp entry only if it still points at id, so a
// newer claim by another job survives.
func (s *JobStore) ReleaseFingerprint(ctx context.Context, fp string, id uuid.UUID) error {
	key := s.fingerprintKey(fp)
	unlock := s.locks.Lock(key)
	defer unlock()

	current, ok, err := s.LookupFingerprint(ctx, fp)
	if err != nil {
		return err
	}
	if !ok || current != id {
		return nil
	}

	if err := s.kv.Delete(ctx, key); err != nil {
		return NewStoreError("fingerprint", "delete", "failed to release fingerprint", err)
	}
	return nil
}
