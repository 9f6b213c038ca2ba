package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Cycle types.
const (
	CycleDecay      = "decay"
	CycleReflection = "reflection"
)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobDescriptor is the restart-safe state of one cycle type for one scope.
type JobDescriptor struct {
	TenantID  string `msgpack:"tenant_id" json:"tenant_id"`
	ProjectID string `msgpack:"project_id" json:"project_id"`
	Cycle     string `msgpack:"cycle" json:"cycle"`

	Status string `msgpack:"status" json:"status"`

	// CycleTime identifies the run in progress. A run interrupted while
	// StatusRunning is resumed with the same CycleTime so its writes dedupe.
	CycleTime time.Time `msgpack:"cycle_time" json:"cycle_time"`

	LastRunAt     time.Time  `msgpack:"last_run_at" json:"last_run_at"`
	LastSuccessAt *time.Time `msgpack:"last_success_at,omitempty" json:"last_success_at,omitempty"`
	LastError     string     `msgpack:"last_error,omitempty" json:"last_error,omitempty"`
	Runs          int        `msgpack:"runs" json:"runs"`
	Failures      int        `msgpack:"failures" json:"failures"`
}

// Scope returns the scope of the job.
func (d *JobDescriptor) Scope() core.Scope {
	return core.Scope{TenantID: d.TenantID, ProjectID: d.ProjectID}
}

// JobStore persists job descriptors.
type JobStore interface {
	// Get returns the descriptor, or a NotFoundError.
	Get(ctx context.Context, cycle string, scope core.Scope) (*JobDescriptor, error)
	Put(ctx context.Context, job *JobDescriptor) error
	List(ctx context.Context, cycle string) ([]*JobDescriptor, error)
	Close() error
}

// BadgerJobStore keeps descriptors in BadgerDB, msgpack-encoded.
type BadgerJobStore struct {
	db *badger.DB
}

// NewBadgerJobStore opens a store in dir. An empty dir runs in memory.
func NewBadgerJobStore(dir string, logger *zap.Logger) (*BadgerJobStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{core.LoggerOrNop(logger).Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, core.NewMemoryError("NewBadgerJobStore", fmt.Errorf("%w: %v", core.ErrStorageOperation, err))
	}
	return &BadgerJobStore{db: db}, nil
}

const keyPrefix = "job/"

func jobKey(cycle string, scope core.Scope) []byte {
	return []byte(keyPrefix + cycle + "/" + scope.TenantID + "/" + scope.ProjectID)
}

// Get implements JobStore.
func (s *BadgerJobStore) Get(_ context.Context, cycle string, scope core.Scope) (*JobDescriptor, error) {
	var job JobDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(cycle, scope))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &job)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.NewNotFoundError("job", cycle+"/"+scope.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Put implements JobStore.
func (s *BadgerJobStore) Put(_ context.Context, job *JobDescriptor) error {
	raw, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.Cycle, job.Scope()), raw)
	})
}

// List implements JobStore.
func (s *BadgerJobStore) List(_ context.Context, cycle string) ([]*JobDescriptor, error) {
	prefix := []byte(keyPrefix + cycle + "/")
	var out []*JobDescriptor
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job JobDescriptor
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &job)
			}); err != nil {
				return err
			}
			out = append(out, &job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Close implements JobStore.
func (s *BadgerJobStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger output to zap, dropping info and debug chatter.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b badgerLogger) Errorf(f string, v ...interface{}) {
	b.l.Errorf("badger: "+strings.TrimSpace(f), v...)
}

func (b badgerLogger) Warningf(f string, v ...interface{}) {
	b.l.Warnf("badger: "+strings.TrimSpace(f), v...)
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
