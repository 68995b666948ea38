package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/openfleet/shepherd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMessages       = []byte("messages")
	bucketQueueMetrics   = []byte("queue_metrics")
	bucketOrchestrations = []byte("reboot_orchestrations")
	bucketHosts          = []byte("hosts")
)

// BoltStore implements Store using BoltDB.
//
// All message writes go through db.Update, which serializes writers.
// ClaimNextMessage performs its select-and-mark inside one update
// transaction, so two concurrent claimers can never observe the same
// message as claimable.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shepherd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketMessages,
			bucketQueueMetrics,
			bucketOrchestrations,
			bucketHosts,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// Message operations

// CreateMessage persists a new message and assigns its surrogate sequence
// number. Returns the assigned sequence.
func (s *BoltStore) CreateMessage(msg *types.Message) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b.Get([]byte(msg.MessageID)) != nil {
			return fmt.Errorf("message already exists: %s", msg.MessageID)
		}
		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = seq
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(msg.MessageID), data)
	})
	return seq, err
}

func (s *BoltStore) GetMessage(messageID string) (*types.Message, error) {
	var msg types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(messageID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *BoltStore) ListMessages() ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
			return nil
		})
	})
	return msgs, err
}

func (s *BoltStore) ListMessagesByStatus(status types.MessageStatus) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.Status == status {
				msgs = append(msgs, &msg)
			}
			return nil
		})
	})
	return msgs, err
}

func (s *BoltStore) ListMessagesByHost(hostID string, direction types.Direction) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.HostID == hostID && msg.Direction == direction {
				msgs = append(msgs, &msg)
			}
			return nil
		})
	})
	return msgs, err
}

// TransitionMessage applies a read-check-mutate-write cycle in one
// update transaction, so a status check inside mutate can never race a
// concurrent write to the same message.
func (s *BoltStore) TransitionMessage(messageID string, mutate func(*types.Message) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(messageID))
		if data == nil {
			return ErrNotFound
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		if err := mutate(&msg); err != nil {
			return err
		}
		updated, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(messageID), updated)
	})
}

// ClaimNextMessage selects and claims the best eligible message in one
// write transaction. Ordering: priority descending, scheduled_at
// ascending, then sequence ascending (FIFO within equal priority and
// eligibility).
func (s *BoltStore) ClaimNextMessage(direction types.Direction, workerToken string, now time.Time) (*types.Message, error) {
	var claimed *types.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)

		var best *types.Message
		err := b.ForEach(func(k, v []byte) error {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if msg.Direction != direction {
				return nil
			}
			if msg.Status != types.MessageStatusPending && msg.Status != types.MessageStatusScheduled {
				return nil
			}
			if msg.ScheduledAt.After(now) {
				return nil
			}
			if best == nil || claimOrderBefore(&msg, best) {
				m := msg
				best = &m
			}
			return nil
		})
		if err != nil {
			return err
		}
		if best == nil {
			return ErrNotFound
		}

		best.Status = types.MessageStatusInFlight
		best.WorkerToken = workerToken
		best.StartedAt = now
		data, err := json.Marshal(best)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(best.MessageID), data); err != nil {
			return err
		}
		claimed = best
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimOrderBefore reports whether a should be claimed before b.
func claimOrderBefore(a, b *types.Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.Seq < b.Seq
}

// Queue metric operations

func (s *BoltStore) UpsertQueueMetric(metric *types.QueueMetric) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueMetrics)
		data, err := json.Marshal(metric)
		if err != nil {
			return err
		}
		return b.Put([]byte(metric.Key()), data)
	})
}

func (s *BoltStore) GetQueueMetric(key string) (*types.QueueMetric, error) {
	var metric types.QueueMetric
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueMetrics)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &metric)
	})
	if err != nil {
		return nil, err
	}
	return &metric, nil
}

func (s *BoltStore) ListQueueMetrics() ([]*types.QueueMetric, error) {
	var metrics []*types.QueueMetric
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueMetrics)
		return b.ForEach(func(k, v []byte) error {
			var metric types.QueueMetric
			if err := json.Unmarshal(v, &metric); err != nil {
				return err
			}
			metrics = append(metrics, &metric)
			return nil
		})
	})
	return metrics, err
}

// Orchestration operations

func (s *BoltStore) CreateOrchestration(o *types.RebootOrchestration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		data, err := json.Marshal(o)
		if err != nil {
			return err
		}
		return b.Put([]byte(o.ID), data)
	})
}

func (s *BoltStore) GetOrchestration(id string) (*types.RebootOrchestration, error) {
	var o types.RebootOrchestration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *BoltStore) UpdateOrchestration(o *types.RebootOrchestration) error {
	return s.CreateOrchestration(o) // Same as create (upsert)
}

func (s *BoltStore) ListOrchestrations() ([]*types.RebootOrchestration, error) {
	var orchestrations []*types.RebootOrchestration
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOrchestrations)
		return b.ForEach(func(k, v []byte) error {
			var o types.RebootOrchestration
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			orchestrations = append(orchestrations, &o)
			return nil
		})
	})
	return orchestrations, err
}

// Host operations

func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data, err := json.Marshal(host)
		if err != nil {
			return err
		}
		return b.Put([]byte(host.ID), data)
	})
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.CreateHost(host)
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) ListHostsByParent(parentID string) ([]*types.Host, error) {
	hosts, err := s.ListHosts()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Host
	for _, host := range hosts {
		if host.ParentID == parentID {
			filtered = append(filtered, host)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.Delete([]byte(id))
	})
}
