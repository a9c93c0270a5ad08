package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRequests  = []byte("requests")
	bucketResponses = []byte("responses")
	bucketConfig    = []byte("config")
)

const configKey = "policy"

// sweepInterval is how often BoltStore walks the requests bucket looking for
// expired entries. Redis would do this per-key; bbolt has no native TTL, so
// this sweeper goroutine stands in for it (see SPEC_FULL.md §4.3, GLOSSARY
// "Sweeper").
const sweepInterval = 30 * time.Second

// boltRequest is the on-disk envelope for a RequestRecord, carrying the
// expiry timestamp bbolt cannot express natively.
type boltRequest struct {
	Record    RequestRecord `json:"record"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// BoltStore is the production Store backed by an embedded go.etcd.io/bbolt
// database, used in place of the reference design's Redis dependency (see
// SPEC_FULL.md §4.3 for the rationale).
type BoltStore struct {
	db     *bolt.DB
	notify *notifier

	closeOnce sync.Once
	stopSweep chan struct{}
	sweepDone chan struct{}
}

// OpenBoltStore opens (or creates) the database at path, ensures its
// buckets exist, and starts the expiry sweeper.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRequests, bucketResponses, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create store buckets: %w", err)
	}

	s := &BoltStore{
		db:        db,
		notify:    newNotifier(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

func (s *BoltStore) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.sweepExpired(); err != nil {
				log.Printf("store: sweep expired requests: %v", err)
			}
		case <-s.stopSweep:
			return
		}
	}
}

func (s *BoltStore) sweepExpired() error {
	now := time.Now()
	var expired [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		return b.ForEach(func(k, v []byte) error {
			var env boltRequest
			if err := json.Unmarshal(v, &env); err != nil {
				return nil
			}
			if now.After(env.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil || len(expired) == 0 {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		reqs := tx.Bucket(bucketRequests)
		resps := tx.Bucket(bucketResponses)
		for _, k := range expired {
			if err := reqs.Delete(k); err != nil {
				return err
			}
			if err := resps.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) putRequest(r *RequestRecord) error {
	env := boltRequest{Record: *r, ExpiresAt: time.Now().Add(RequestTTL)}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) getRequestEnvelope(id string) (*boltRequest, error) {
	var env boltRequest
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRequests).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &env)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if time.Now().After(env.ExpiresAt) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return &env, nil
}

func (s *BoltStore) SaveRequest(ctx context.Context, r *RequestRecord) error {
	if r.ID == "" {
		return fmt.Errorf("save request: empty id")
	}
	r.Status = normalizeStatus(r.Status)
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if err := s.putRequest(r); err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	s.notify.publish(KindRequest, r.ID, r.Status)
	return nil
}

func (s *BoltStore) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	env, err := s.getRequestEnvelope(id)
	if err != nil {
		return nil, err
	}
	rec := env.Record
	return &rec, nil
}

func (s *BoltStore) UpdateRequestStatus(ctx context.Context, id string, status Status) error {
	status = normalizeStatus(status)
	env, err := s.getRequestEnvelope(id)
	if err != nil {
		return err
	}
	env.Record.Status = status
	env.ExpiresAt = time.Now().Add(RequestTTL)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put([]byte(id), data)
	}); err != nil {
		return fmt.Errorf("update request status %s: %w", id, err)
	}
	s.notify.publish(KindRequest, id, status)
	return nil
}

func (s *BoltStore) UpdateRequestData(ctx context.Context, id string, headers map[string]string, body []byte) error {
	env, err := s.getRequestEnvelope(id)
	if err != nil {
		return err
	}
	if headers != nil {
		env.Record.Headers = headers
	}
	if body != nil {
		env.Record.ModifiedBody = body
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Put([]byte(id), data)
	})
}

func (s *BoltStore) DeleteRequest(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRequests).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketResponses).Delete([]byte(id))
	})
}

func (s *BoltStore) PendingRequests(ctx context.Context) ([]PendingSummary, error) {
	now := time.Now()
	var out []PendingSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var env boltRequest
			if err := json.Unmarshal(v, &env); err != nil {
				return nil
			}
			if now.After(env.ExpiresAt) || env.Record.Status != StatusPending {
				return nil
			}
			out = append(out, PendingSummary{
				ID:        env.Record.ID,
				Hostname:  env.Record.Hostname,
				Method:    env.Record.Method,
				Path:      env.Record.Path,
				Timestamp: env.Record.Timestamp,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *BoltStore) SaveResponse(ctx context.Context, r *ResponseRecord) error {
	if r.ID == "" {
		return fmt.Errorf("save response: empty id")
	}
	r.Status = normalizeStatus(r.Status)
	if r.Status == "" {
		r.Status = StatusPending
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(r.ID), data)
	}); err != nil {
		return fmt.Errorf("save response %s: %w", r.ID, err)
	}
	s.notify.publish(KindResponse, r.ID, r.Status)
	return nil
}

func (s *BoltStore) getResponse(id string) (*ResponseRecord, error) {
	var rec ResponseRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResponses).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (s *BoltStore) GetResponse(ctx context.Context, id string) (*ResponseRecord, error) {
	return s.getResponse(id)
}

func (s *BoltStore) UpdateResponseStatus(ctx context.Context, id string, status Status) error {
	status = normalizeStatus(status)
	rec, err := s.getResponse(id)
	if err != nil {
		return err
	}
	rec.Status = status
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(id), data)
	}); err != nil {
		return fmt.Errorf("update response status %s: %w", id, err)
	}
	s.notify.publish(KindResponse, id, status)
	return nil
}

func (s *BoltStore) UpdateResponseData(ctx context.Context, id string, headers map[string]string, body []byte) error {
	rec, err := s.getResponse(id)
	if err != nil {
		return err
	}
	if headers != nil {
		rec.Headers = headers
	}
	if body != nil {
		rec.Body = body
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(id), data)
	})
}

func (s *BoltStore) Wait(ctx context.Context, kind RecordKind, id string) (Status, error) {
	return s.notify.wait(ctx, kind, id, func() (Status, error) {
		if kind == KindResponse {
			rec, err := s.getResponse(id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return StatusPending, nil
				}
				return "", err
			}
			return rec.Status, nil
		}
		env, err := s.getRequestEnvelope(id)
		if err != nil {
			return StatusPending, nil
		}
		return env.Record.Status, nil
	})
}

type boltPolicyConfig struct {
	Mode            string   `json:"mode"`
	BlockedDomains  []string `json:"blocked_domains"`
	BlockedKeywords []string `json:"blocked_keywords"`
}

func (s *BoltStore) GetPolicyConfig(ctx context.Context) (PolicyConfig, error) {
	var cfg boltPolicyConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfig).Get([]byte(configKey))
		if v == nil {
			cfg = boltPolicyConfig{Mode: "intercept"}
			return nil
		}
		return json.Unmarshal(v, &cfg)
	})
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("read policy config: %w", err)
	}
	return PolicyConfig{Mode: cfg.Mode, BlockedDomains: cfg.BlockedDomains, BlockedKeywords: cfg.BlockedKeywords}, nil
}

func (s *BoltStore) mutateConfig(fn func(*boltPolicyConfig)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		var cfg boltPolicyConfig
		if v := b.Get([]byte(configKey)); v != nil {
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
		} else {
			cfg.Mode = "intercept"
		}
		fn(&cfg)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(configKey), data)
	})
}

func (s *BoltStore) SetMode(ctx context.Context, mode string) error {
	return s.mutateConfig(func(c *boltPolicyConfig) { c.Mode = mode })
}

func (s *BoltStore) AddBlockedDomain(ctx context.Context, domain string) error {
	return s.mutateConfig(func(c *boltPolicyConfig) { c.BlockedDomains = addUnique(c.BlockedDomains, domain) })
}

func (s *BoltStore) RemoveBlockedDomain(ctx context.Context, domain string) error {
	return s.mutateConfig(func(c *boltPolicyConfig) { c.BlockedDomains = removeValue(c.BlockedDomains, domain) })
}

func (s *BoltStore) AddBlockedKeyword(ctx context.Context, keyword string) error {
	return s.mutateConfig(func(c *boltPolicyConfig) { c.BlockedKeywords = addUnique(c.BlockedKeywords, keyword) })
}

func (s *BoltStore) RemoveBlockedKeyword(ctx context.Context, keyword string) error {
	return s.mutateConfig(func(c *boltPolicyConfig) { c.BlockedKeywords = removeValue(c.BlockedKeywords, keyword) })
}

// FlushAll truncates the requests and responses buckets; the policy config
// bucket is kept. Used on shutdown per spec.md's lifecycle contract, and
// directly by tests.
func (s *BoltStore) FlushAll(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRequests, bucketResponses} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopSweep)
		<-s.sweepDone
	})
	return s.db.Close()
}
