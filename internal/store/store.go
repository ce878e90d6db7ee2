// Package store defines the persistence interface for the arbitration proxy.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/arbitration-proxy/internal/model"
)

// ErrNotFound is returned when a request, binding or dispute does not exist.
var ErrNotFound = errors.New("store: not found")

type uncachedKey struct{}

// Uncached marks ctx so that reads skip any cache layer and go to the
// source of truth. Every read that feeds a write must use it: a cached copy
// may predate the last committed write.
func Uncached(ctx context.Context) context.Context {
	return context.WithValue(ctx, uncachedKey{}, true)
}

// IsUncached reports whether ctx was marked by Uncached.
func IsUncached(ctx context.Context) bool {
	v, _ := ctx.Value(uncachedKey{}).(bool)
	return v
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Every getter returns a copy; mutating it has no effect until it is saved.
type Store interface {
	// --- Arbitration requests ---

	// GetRequest retrieves the request for (arbitrationID, requester).
	GetRequest(ctx context.Context, arbitrationID, requester string) (*model.ArbitrationRequest, error)

	// SaveRequest inserts or replaces a request.
	SaveRequest(ctx context.Context, req *model.ArbitrationRequest) error

	// DeleteRequest removes a request. Deleting a missing request is not an error.
	DeleteRequest(ctx context.Context, arbitrationID, requester string) error

	// ListRequests returns every request made for a question, oldest first.
	ListRequests(ctx context.Context, arbitrationID string) ([]model.ArbitrationRequest, error)

	// --- Disputes ---

	// DisputeExists reports whether a dispute was ever created for the question.
	DisputeExists(ctx context.Context, arbitrationID string) (bool, error)

	// RequesterOf returns the requester permanently bound to the question.
	RequesterOf(ctx context.Context, arbitrationID string) (string, error)

	// CreateDispute atomically saves req, marks the question disputed, binds
	// the question to req.Requester unless already bound, and records details.
	CreateDispute(ctx context.Context, req *model.ArbitrationRequest, details model.DisputeDetails) error

	// GetDisputeDetails maps an arbitrator dispute back to its request.
	GetDisputeDetails(ctx context.Context, disputeID uint64) (*model.DisputeDetails, error)

	// ResolveDispute atomically saves req and removes the details of req.DisputeID.
	ResolveDispute(ctx context.Context, req *model.ArbitrationRequest) error
}
