package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"abot/internal/dispatch"
	"abot/internal/subscription"
	logx "abot/pkg/logx"
)

var (
	subscriptionsBucket = []byte("subscriptions")
	maintenanceBucket   = []byte("maintenance")
	deliveriesBucket    = []byte("deliveries")
)

// boltStore keeps one JSON value per subscription key. Deliveries are keyed
// by the bucket sequence so iteration order is append order.
type boltStore struct {
	db          *bolt.DB
	log         logx.Logger
	deliveryLog bool
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{subscriptionsBucket, maintenanceBucket, deliveriesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, log: log, deliveryLog: cfg.DeliveryLog}, nil
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *boltStore) LoadState(ctx context.Context) (subscription.State, error) {
	_ = ctx
	var st subscription.State
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(subscriptionsBucket).ForEach(func(k, v []byte) error {
			var sub subscription.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				s.log.Warn("skip corrupt subscription", logx.String("key", string(k)), logx.Err(err))
				return nil
			}
			st.Subscriptions = append(st.Subscriptions, sub)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(maintenanceBucket).ForEach(func(k, v []byte) error {
			var m subscription.MaintenanceState
			if err := json.Unmarshal(v, &m); err != nil {
				s.log.Warn("skip corrupt maintenance entry", logx.String("key", string(k)), logx.Err(err))
				return nil
			}
			st.Maintenance = append(st.Maintenance, m)
			return nil
		})
	})
	return st, err
}

// SaveState recreates the state buckets in one transaction.
func (s *boltStore) SaveState(ctx context.Context, st subscription.State) error {
	_ = ctx
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{subscriptionsBucket, maintenanceBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
		}
		subs, err := tx.CreateBucket(subscriptionsBucket)
		if err != nil {
			return err
		}
		for _, sub := range st.Subscriptions {
			v, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			if err := subs.Put([]byte(sub.Key().String()), v); err != nil {
				return err
			}
		}
		maint, err := tx.CreateBucket(maintenanceBucket)
		if err != nil {
			return err
		}
		for _, m := range st.Maintenance {
			v, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := maint.Put([]byte(m.Member), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) AppendDelivery(ctx context.Context, at dispatch.Attempt) error {
	_ = ctx
	if !s.deliveryLog {
		return ErrDisabled
	}
	v, err := json.Marshal(at)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deliveriesBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], seq)
		return b.Put(k[:], v)
	})
}
