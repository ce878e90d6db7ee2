package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/arbitration-proxy/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Reads under a context
// marked by Uncached neither consult nor fill the cache, so a concurrent
// reader's late fill can make views stale for one TTL but never reaches a
// write path.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveRequest(ctx context.Context, req *model.ArbitrationRequest) error {
	if err := s.primary.SaveRequest(ctx, req); err != nil {
		return err
	}
	s.rdb.Del(ctx, requestKey(req.ArbitrationID, req.Requester))
	return nil
}

func (s *CachedStore) DeleteRequest(ctx context.Context, arbitrationID, requester string) error {
	if err := s.primary.DeleteRequest(ctx, arbitrationID, requester); err != nil {
		return err
	}
	s.rdb.Del(ctx, requestKey(arbitrationID, requester))
	return nil
}

func (s *CachedStore) CreateDispute(ctx context.Context, req *model.ArbitrationRequest, details model.DisputeDetails) error {
	if err := s.primary.CreateDispute(ctx, req, details); err != nil {
		return err
	}
	s.rdb.Del(ctx, requestKey(req.ArbitrationID, req.Requester), disputeKey(details.DisputeID))
	return nil
}

func (s *CachedStore) ResolveDispute(ctx context.Context, req *model.ArbitrationRequest) error {
	if err := s.primary.ResolveDispute(ctx, req); err != nil {
		return err
	}
	s.rdb.Del(ctx, requestKey(req.ArbitrationID, req.Requester), disputeKey(req.DisputeID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRequest(ctx context.Context, arbitrationID, requester string) (*model.ArbitrationRequest, error) {
	if IsUncached(ctx) {
		return s.primary.GetRequest(ctx, arbitrationID, requester)
	}
	key := requestKey(arbitrationID, requester)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var r model.ArbitrationRequest
		if json.Unmarshal(data, &r) == nil {
			for i := range r.Rounds {
				fillRound(&r.Rounds[i])
			}
			return &r, nil
		}
	}

	// Cache miss: read from primary.
	r, err := s.primary.GetRequest(ctx, arbitrationID, requester)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return r, nil
}

// RequesterOf caches the binding without expiry; it never changes once written.
func (s *CachedStore) RequesterOf(ctx context.Context, arbitrationID string) (string, error) {
	if IsUncached(ctx) {
		return s.primary.RequesterOf(ctx, arbitrationID)
	}
	requester, err := s.rdb.Get(ctx, bindingKey(arbitrationID)).Result()
	if err == nil {
		return requester, nil
	}

	requester, err = s.primary.RequesterOf(ctx, arbitrationID)
	if err != nil {
		return "", err
	}
	s.rdb.Set(ctx, bindingKey(arbitrationID), requester, 0)
	return requester, nil
}

func (s *CachedStore) GetDisputeDetails(ctx context.Context, disputeID uint64) (*model.DisputeDetails, error) {
	if IsUncached(ctx) {
		return s.primary.GetDisputeDetails(ctx, disputeID)
	}
	data, err := s.rdb.Get(ctx, disputeKey(disputeID)).Bytes()
	if err == nil {
		var d model.DisputeDetails
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	d, err := s.primary.GetDisputeDetails(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(d); err == nil {
		s.rdb.Set(ctx, disputeKey(disputeID), data, s.ttl)
	}
	return d, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRequests(ctx context.Context, arbitrationID string) ([]model.ArbitrationRequest, error) {
	return s.primary.ListRequests(ctx, arbitrationID)
}

func (s *CachedStore) DisputeExists(ctx context.Context, arbitrationID string) (bool, error) {
	return s.primary.DisputeExists(ctx, arbitrationID)
}

// --- Cache helpers ---

func requestKey(id, requester string) string { return fmt.Sprintf("request:%s:%s", id, requester) }
func bindingKey(id string) string            { return fmt.Sprintf("binding:%s", id) }
func disputeKey(id uint64) string            { return fmt.Sprintf("dispute:%d", id) }
