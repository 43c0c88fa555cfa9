// Package master implements the Master interface the scheduler core
// treats as an external collaborator (spec §6): a replicated store
// of pools, exec nodes, accounts, operations, jobs and well-known
// orchid nodes, plus the master-held transaction/lock primitives the
// incarnation protocol is built on.
package master

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/clusterforge/scheduler/pkg/types"
)

var (
	bucketPools         = []byte("pools")
	bucketNodes         = []byte("nodes")
	bucketAccounts      = []byte("accounts")
	bucketOperations    = []byte("operations")
	bucketJobs          = []byte("jobs")
	bucketWellKnown     = []byte("well_known_nodes")
	bucketTransactions  = []byte("transactions")
)

// Store is the durable key-value surface the raft FSM applies
// committed commands against. It is intentionally dumb: no
// cross-entity validation, no locking beyond what bbolt gives a
// single writer goroutine (only the FSM calls it, from Apply,
// Snapshot and Restore).
type Store interface {
	CreatePool(p *types.Pool) error
	UpdatePool(p *types.Pool) error
	DeletePool(id string) error
	GetPool(id string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)

	CreateNode(n *types.ExecNode) error
	UpdateNode(n *types.ExecNode) error
	DeleteNode(id string) error
	GetNode(id string) (*types.ExecNode, error)
	ListNodes() ([]*types.ExecNode, error)

	CreateAccount(a *types.Account) error
	UpdateAccount(a *types.Account) error
	DeleteAccount(id string) error
	GetAccount(id string) (*types.Account, error)
	ListAccounts() ([]*types.Account, error)

	CreateOperation(o *types.Operation) error
	UpdateOperation(o *types.Operation) error
	DeleteOperation(id string) error
	GetOperation(id string) (*types.Operation, error)
	ListOperations() ([]*types.Operation, error)

	CreateJob(j *types.Job) error
	UpdateJob(j *types.Job) error
	DeleteJob(id string) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)

	PutWellKnownNode(path string, attrs map[string]any) error
	GetWellKnownNode(path string) (map[string]any, error)

	PutTransaction(id string, record TransactionRecord) error
	DeleteTransaction(id string) error
	GetTransaction(id string) (TransactionRecord, bool, error)
	ListTransactions() ([]TransactionRecord, error)

	Close() error
}

// TransactionRecord is the durable record of a master-held lock
// transaction (the scheduler lock, per-agent incarnation locks).
type TransactionRecord struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Options   string `json:"options,omitempty"`
	PingCount int    `json:"ping_count"`
}

// BoltStore implements Store on top of go.etcd.io/bbolt, mirroring
// the teacher's storage.BoltStore: one bucket per entity kind,
// JSON-encoded values keyed by id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the master's bbolt database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scheduler-master.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("master: open database: %w", err)
	}

	buckets := [][]byte{
		bucketPools, bucketNodes, bucketAccounts,
		bucketOperations, bucketJobs, bucketWellKnown, bucketTransactions,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
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

func (s *BoltStore) Close() error { return s.db.Close() }

func put(db *bolt.DB, bucket []byte, key string, v any) error {
	return db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func get[T any](db *bolt.DB, bucket []byte, key string) (*T, error) {
	out, found, err := tryGet[T](db, bucket, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("master: %q not found in %s", key, bucket)
	}
	return out, nil
}

func tryGet[T any](db *bolt.DB, bucket []byte, key string) (*T, bool, error) {
	var out T
	found := false
	err := db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return &out, true, nil
}

func list[T any](db *bolt.DB, bucket []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, data []byte) error {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			out = append(out, &v)
			return nil
		})
	})
	return out, err
}

func del(db *bolt.DB, bucket []byte, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) CreatePool(p *types.Pool) error { return put(s.db, bucketPools, string(p.ID), p) }
func (s *BoltStore) UpdatePool(p *types.Pool) error { return put(s.db, bucketPools, string(p.ID), p) }
func (s *BoltStore) DeletePool(id string) error     { return del(s.db, bucketPools, id) }
func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	return get[types.Pool](s.db, bucketPools, id)
}
func (s *BoltStore) ListPools() ([]*types.Pool, error) { return list[types.Pool](s.db, bucketPools) }

func (s *BoltStore) CreateNode(n *types.ExecNode) error {
	return put(s.db, bucketNodes, string(n.ID), n)
}
func (s *BoltStore) UpdateNode(n *types.ExecNode) error {
	return put(s.db, bucketNodes, string(n.ID), n)
}
func (s *BoltStore) DeleteNode(id string) error { return del(s.db, bucketNodes, id) }
func (s *BoltStore) GetNode(id string) (*types.ExecNode, error) {
	return get[types.ExecNode](s.db, bucketNodes, id)
}
func (s *BoltStore) ListNodes() ([]*types.ExecNode, error) {
	return list[types.ExecNode](s.db, bucketNodes)
}

func (s *BoltStore) CreateAccount(a *types.Account) error {
	return put(s.db, bucketAccounts, string(a.ID), a)
}
func (s *BoltStore) UpdateAccount(a *types.Account) error {
	return put(s.db, bucketAccounts, string(a.ID), a)
}
func (s *BoltStore) DeleteAccount(id string) error { return del(s.db, bucketAccounts, id) }
func (s *BoltStore) GetAccount(id string) (*types.Account, error) {
	return get[types.Account](s.db, bucketAccounts, id)
}
func (s *BoltStore) ListAccounts() ([]*types.Account, error) {
	return list[types.Account](s.db, bucketAccounts)
}

func (s *BoltStore) CreateOperation(o *types.Operation) error {
	return put(s.db, bucketOperations, string(o.ID), o)
}
func (s *BoltStore) UpdateOperation(o *types.Operation) error {
	return put(s.db, bucketOperations, string(o.ID), o)
}
func (s *BoltStore) DeleteOperation(id string) error { return del(s.db, bucketOperations, id) }
func (s *BoltStore) GetOperation(id string) (*types.Operation, error) {
	return get[types.Operation](s.db, bucketOperations, id)
}
func (s *BoltStore) ListOperations() ([]*types.Operation, error) {
	return list[types.Operation](s.db, bucketOperations)
}

func (s *BoltStore) CreateJob(j *types.Job) error { return put(s.db, bucketJobs, string(j.ID), j) }
func (s *BoltStore) UpdateJob(j *types.Job) error { return put(s.db, bucketJobs, string(j.ID), j) }
func (s *BoltStore) DeleteJob(id string) error    { return del(s.db, bucketJobs, id) }
func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	return get[types.Job](s.db, bucketJobs, id)
}
func (s *BoltStore) ListJobs() ([]*types.Job, error) { return list[types.Job](s.db, bucketJobs) }

func (s *BoltStore) PutWellKnownNode(path string, attrs map[string]any) error {
	return put(s.db, bucketWellKnown, path, attrs)
}
func (s *BoltStore) GetWellKnownNode(path string) (map[string]any, error) {
	v, err := get[map[string]any](s.db, bucketWellKnown, path)
	if err != nil {
		return nil, err
	}
	return *v, nil
}

func (s *BoltStore) PutTransaction(id string, record TransactionRecord) error {
	return put(s.db, bucketTransactions, id, record)
}
func (s *BoltStore) DeleteTransaction(id string) error { return del(s.db, bucketTransactions, id) }
func (s *BoltStore) GetTransaction(id string) (TransactionRecord, bool, error) {
	v, found, err := tryGet[TransactionRecord](s.db, bucketTransactions, id)
	if err != nil || !found {
		return TransactionRecord{}, false, err
	}
	return *v, true, nil
}
func (s *BoltStore) ListTransactions() ([]TransactionRecord, error) {
	ptrs, err := list[TransactionRecord](s.db, bucketTransactions)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionRecord, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out, nil
}
