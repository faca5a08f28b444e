package jobdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/ccnode/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs    = []byte("jobs")
	bucketWorkers = []byte("workers")
)

// record is the on-disk shape of a job row; it carries the bookkeeping
// (state, allocation) that types.Job itself does not need to expose
// to handlers.
type record struct {
	Job         *types.Job     `json:"job"`
	State       types.JobState `json:"state"`
	AllocatedTo string         `json:"allocated_to,omitempty"`
	RetVal      any            `json:"retval,omitempty"`
	CPU         time.Duration  `json:"cpu,omitempty"`
	Memory      uint64         `json:"memory,omitempty"`
}

// BoltClient is a single-node, single-process reference Client backed
// by a bbolt file. It is enough to run the whole worker loop end to
// end locally; it is not a substitute for a real shared job database
// when more than one node needs to see the same queue.
type BoltClient struct {
	db *bolt.DB
	mu sync.Mutex // serializes allocate_job's read-modify-write
}

// NewBoltClient opens (creating if absent) a bbolt-backed job store
// under dataDir.
func NewBoltClient(dataDir string) (*BoltClient, error) {
	dbPath := filepath.Join(dataDir, "ccnode-jobs.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketWorkers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init job store buckets: %w", err)
	}
	return &BoltClient{db: db}, nil
}

// Close releases the underlying bbolt file.
func (c *BoltClient) Close() error {
	return c.db.Close()
}

// Submit enqueues a new QUEUED job, generating an ID if the caller
// left one unset. It exists for test fixtures and the local/dev CLI
// path; a production job database would expose its own ingestion API
// outside this runtime's scope.
func (c *BoltClient) Submit(job *types.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	rec := record{Job: job, State: types.JobStateQueued}
	err := c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
	return job.ID, err
}

func supports(supported []string, module string) bool {
	if len(supported) == 0 {
		return true
	}
	for _, s := range supported {
		if s == "any" || s == module {
			return true
		}
	}
	return false
}

// AllocateJob atomically claims up to req.MaxJobs QUEUED jobs whose
// module this worker supports, preferring req.Prefer when present so
// the worker's handler-affinity cache stays warm across allocations.
func (c *BoltClient) AllocateJob(ctx context.Context, req AllocateRequest) ([]*types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []record
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil //nolint: non-decodable rows are skipped, not fatal
			}
			if rec.State == types.JobStateQueued && supports(req.Supported, rec.Job.Module) {
				candidates = append(candidates, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan job store: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].Job.Priority, candidates[j].Job.Priority
		if pi != pj {
			return pi > pj
		}
		ai := candidates[i].Job.Module == req.Prefer
		aj := candidates[j].Job.Module == req.Prefer
		return ai && !aj
	})

	if len(candidates) > req.MaxJobs {
		candidates = candidates[:req.MaxJobs]
	}

	allocated := make([]*types.Job, 0, len(candidates))
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		for _, rec := range candidates {
			rec.State = types.JobStateAllocated
			rec.AllocatedTo = fmt.Sprintf("%s-%s_%d", req.Type, req.Node, req.WorkerIndex)
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.Job.ID), data); err != nil {
				return err
			}
			allocated = append(allocated, rec.Job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("allocate jobs: %w", err)
	}
	return allocated, nil
}

// UpdateJob commits a job's terminal state exactly once.
func (c *BoltClient) UpdateJob(ctx context.Context, id string, state types.JobState, update JobUpdate) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.State = state
		rec.RetVal = update.RetVal
		rec.CPU = update.CPU
		rec.Memory = update.Memory
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// GetJobState returns the job's current state. A missing row reports
// found=false rather than an error, matching the job-removed-equals-
// cancel convention the cancellation monitor relies on.
func (c *BoltClient) GetJobState(ctx context.Context, id string) (types.JobState, bool, error) {
	var state types.JobState
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		state = rec.State
		found = true
		return nil
	})
	return state, found, err
}

// UpdateWorker records a heartbeat row.
func (c *BoltClient) UpdateWorker(ctx context.Context, workerID string, supported []string, lastJobTime *time.Time) error {
	type heartbeat struct {
		Supported   []string   `json:"supported"`
		LastJobTime *time.Time `json:"last_job_time,omitempty"`
	}
	data, err := json.Marshal(heartbeat{Supported: supported, LastJobTime: lastJobTime})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Put([]byte(workerID), data)
	})
}

// RemoveWorker deletes the worker's heartbeat row.
func (c *BoltClient) RemoveWorker(ctx context.Context, workerID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(workerID))
	})
}

// ForceStopped marks any job still ALLOCATED to workerIndex/node back
// to QUEUED, so it gets re-picked-up by another worker. This is called
// on every clean worker shutdown (spec §9 open question: crash
// recovery otherwise depends entirely on the job database).
func (c *BoltClient) ForceStopped(ctx context.Context, workerIndex int, node string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.State != types.JobStateAllocated {
				return nil
			}
			if !allocatedToWorker(rec.AllocatedTo, workerIndex, node) {
				return nil
			}
			rec.State = types.JobStateQueued
			rec.AllocatedTo = ""
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		})
	})
}

func allocatedToWorker(allocatedTo string, workerIndex int, node string) bool {
	suffix := fmt.Sprintf("%s_%d", node, workerIndex)
	return strings.HasSuffix(allocatedTo, "-"+suffix)
}
