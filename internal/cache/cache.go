// Package cache provides the Redis-backed ETag and name-resolution cache.
//
// ETags are version tokens for list/search endpoints: every mutating engine
// operation resets the tenant-scoped ETags it touches, so conditional GETs
// short-circuit until the next mutation. The cache is an eventually
// consistent convenience; a miss or a stale hit must never be load-bearing
// for correctness.
package cache

import "context"

// Cache is the convenience name-cache and change-notification mechanism the
// engine and HTTP layer consume.
type Cache interface {
	// GetETag returns the current ETag for key, generating and storing a
	// fresh one if none exists.
	GetETag(ctx context.Context, key string) (string, error)

	// ResetETag invalidates the ETag for key. The next GetETag generates a
	// new token.
	ResetETag(ctx context.Context, key string) error

	// GetUserName resolves an eid to a display name, caching the result of
	// resolve. A cached name is returned without calling resolve.
	GetUserName(ctx context.Context, tenant, eid string, resolve func() (string, error)) (string, error)
}

// Well-known ETag key builders. Keys are tenant-scoped so one tenant's
// mutations never invalidate another's lists.

func ETagWorkflowList(tenant string) string { return "etag:" + tenant + ":workflow" }
func ETagTodoList(tenant string) string     { return "etag:" + tenant + ":todo" }
func ETagTemplateList(tenant string) string { return "etag:" + tenant + ":template" }
