// Package pathcache is a Redis-backed cache sitting in front of a
// store's validity checks, plus a per-organization "no eligible
// server" backoff marker (SPEC_FULL.md's domain stack table). Grounded
// on common/mredis/redis.go's connection-struct idiom and
// adapters/implementation/database/redis/consumer.redis.go's
// Set/Get/Del repository shape.
package pathcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

// defaultValidityTTL bounds how long a path's proven validity is
// trusted before the store is asked again, short enough that a path
// garbage-collected mid-evaluation is re-checked promptly.
const defaultValidityTTL = 5 * time.Minute

// defaultBackoffTTL bounds how long an organization with zero eligible
// servers is skipped before the build scheduler tries it again.
const defaultBackoffTTL = 30 * time.Second

// Connection is a hub dealing with redis connections, the same
// singleton-dial shape as the teacher's mredis.RedisConnection.
type Connection struct {
	URI    string
	Logger log.Logger

	client *redis.Client
}

func (c *Connection) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(c.URI)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	c.client = client

	return nil
}

func (c *Connection) db(ctx context.Context) (*redis.Client, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client, nil
}

// Cache wraps a Connection with the two concerns the build scheduler
// needs: short-TTL path validity memoization and
// per-organization reservation backoff.
type Cache struct {
	Conn *Connection
}

func New(conn *Connection) *Cache { return &Cache{Conn: conn} }

func validKey(storePath string) string { return "path:valid:" + storePath }

// RememberValid marks storePath as known-valid at dst for
// defaultValidityTTL, so repeated closure copies within the same
// evaluation don't re-ask the daemon about a path it already proved
// valid.
func (c *Cache) RememberValid(ctx context.Context, storePath string) error {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return err
	}

	return db.Set(ctx, validKey(storePath), "1", defaultValidityTTL).Err()
}

// IsKnownValid reports whether storePath was recently proven valid,
// without touching the store daemon at all.
func (c *Cache) IsKnownValid(ctx context.Context, storePath string) (bool, error) {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return false, err
	}

	_, err = db.Get(ctx, validKey(storePath)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// Forget drops a memoized validity entry, used when a copy to dst
// fails verification and the cached claim must not be trusted again.
func (c *Cache) Forget(ctx context.Context, storePath string) error {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return err
	}

	return db.Del(ctx, validKey(storePath)).Err()
}

func backoffKey(organizationID uuid.UUID) string {
	return "org:no-eligible-server:" + organizationID.String()
}

// MarkNoEligibleServers records that organizationID had zero eligible
// servers on the last poll, so the build scheduler can skip it for
// defaultBackoffTTL instead of re-querying EligibleServers every
// pollInterval for an organization it already knows has none.
func (c *Cache) MarkNoEligibleServers(ctx context.Context, organizationID uuid.UUID) error {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return err
	}

	return db.Set(ctx, backoffKey(organizationID), "1", defaultBackoffTTL).Err()
}

// InBackoff reports whether organizationID is still within its
// no-eligible-server backoff window.
func (c *Cache) InBackoff(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return false, err
	}

	_, err = db.Get(ctx, backoffKey(organizationID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// ClearBackoff removes the backoff marker, used once a new server is
// registered or reactivated for the organization.
func (c *Cache) ClearBackoff(ctx context.Context, organizationID uuid.UUID) error {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return err
	}

	return db.Del(ctx, backoffKey(organizationID)).Err()
}
