package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/arbitration-proxy/internal/model"
)

type memKey struct {
	arbitrationID string
	requester     string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[memKey]*model.ArbitrationRequest
	disputed map[string]bool
	bindings map[string]string
	details  map[uint64]model.DisputeDetails
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[memKey]*model.ArbitrationRequest),
		disputed: make(map[string]bool),
		bindings: make(map[string]string),
		details:  make(map[uint64]model.DisputeDetails),
	}
}

func (s *MemoryStore) GetRequest(_ context.Context, arbitrationID, requester string) (*model.ArbitrationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[memKey{arbitrationID, requester}]
	if !ok {
		return nil, fmt.Errorf("request %s/%s: %w", arbitrationID, requester, ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) SaveRequest(_ context.Context, req *model.ArbitrationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.requests[memKey{req.ArbitrationID, req.Requester}] = req.Clone()
	return nil
}

func (s *MemoryStore) DeleteRequest(_ context.Context, arbitrationID, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.requests, memKey{arbitrationID, requester})
	return nil
}

func (s *MemoryStore) ListRequests(_ context.Context, arbitrationID string) ([]model.ArbitrationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ArbitrationRequest
	for k, r := range s.requests {
		if k.arbitrationID == arbitrationID {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Requester < out[j].Requester
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) DisputeExists(_ context.Context, arbitrationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disputed[arbitrationID], nil
}

func (s *MemoryStore) RequesterOf(_ context.Context, arbitrationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.bindings[arbitrationID]
	if !ok {
		return "", fmt.Errorf("binding %s: %w", arbitrationID, ErrNotFound)
	}
	return r, nil
}

func (s *MemoryStore) CreateDispute(_ context.Context, req *model.ArbitrationRequest, details model.DisputeDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[memKey{req.ArbitrationID, req.Requester}] = req.Clone()
	s.disputed[req.ArbitrationID] = true
	if _, ok := s.bindings[req.ArbitrationID]; !ok {
		s.bindings[req.ArbitrationID] = req.Requester
	}
	s.details[details.DisputeID] = details
	return nil
}

func (s *MemoryStore) GetDisputeDetails(_ context.Context, disputeID uint64) (*model.DisputeDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.details[disputeID]
	if !ok {
		return nil, fmt.Errorf("dispute %d: %w", disputeID, ErrNotFound)
	}
	return &d, nil
}

func (s *MemoryStore) ResolveDispute(_ context.Context, req *model.ArbitrationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests[memKey{req.ArbitrationID, req.Requester}] = req.Clone()
	delete(s.details, req.DisputeID)
	return nil
}
