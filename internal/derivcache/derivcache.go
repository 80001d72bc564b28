// Package derivcache is a MongoDB-backed cache of a derivation's
// evaluated JSON (the output of `nix derivation show`/
// `path-info --derivation --json`, per spec §6), keyed by derivation
// path, plus the AuditEvent trail SPEC_FULL.md §3 adds for every
// Build's terminal status transition. Grounded on the teacher's
// common/mmongo connection wrapper and
// components/ledger/internal/adapters/database/mongodb/metadata.mongodb.go's
// repository shape.
package derivcache

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"
)

const (
	derivationsCollection = "derivations"
	auditCollection       = "audit_events"
)

// Connection is a hub dealing with mongodb connections, the same
// singleton-dial shape as the teacher's mmongo.MongoConnection.
type Connection struct {
	URI      string
	Database string

	client *mongo.Client
}

func (c *Connection) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	c.client = client

	return nil
}

func (c *Connection) db(ctx context.Context) (*mongo.Database, error) {
	if c.client == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.client.Database(c.Database), nil
}

// derivationDocument is the cached document for one derivation path.
type derivationDocument struct {
	DerivationPath string    `bson:"derivation_path"`
	JSON           string    `bson:"json"`
	CachedAt       time.Time `bson:"cached_at"`
}

// AuditEvent records one Build's terminal status transition, giving
// the otherwise silent recursive propagation of spec §4.5.1 an
// inspectable trail (SPEC_FULL.md §3's audit-tree supplement).
type AuditEvent struct {
	ID           uuid.UUID `bson:"_id"`
	BuildID      uuid.UUID `bson:"build_id"`
	EvaluationID uuid.UUID `bson:"evaluation_id"`
	FromStatus   string    `bson:"from_status"`
	ToStatus     string    `bson:"to_status"`
	Reason       string    `bson:"reason"`
	CreatedAt    time.Time `bson:"created_at"`
}

// Cache is the derivation-JSON + audit-trail port evaluator and the
// build scheduler drive.
type Cache struct {
	Conn *Connection
}

func New(conn *Connection) *Cache { return &Cache{Conn: conn} }

// Get returns the cached JSON for a derivation path, or ok=false on a
// cache miss.
func (c *Cache) Get(ctx context.Context, derivationPath string) (json string, ok bool, err error) {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return "", false, err
	}

	var doc derivationDocument

	err = db.Collection(derivationsCollection).
		FindOne(ctx, bson.M{"derivation_path": derivationPath}).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return doc.JSON, true, nil
}

// Put upserts the evaluated JSON for a derivation path, so a later
// evaluation of the same unchanged closure skips re-invoking the
// daemon (spec §4.3, SPEC_FULL.md domain stack table).
func (c *Cache) Put(ctx context.Context, derivationPath, json string) error {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return err
	}

	_, err = db.Collection(derivationsCollection).UpdateOne(ctx,
		bson.M{"derivation_path": derivationPath},
		bson.M{"$set": derivationDocument{DerivationPath: derivationPath, JSON: json, CachedAt: time.Now()}},
		options.Update().SetUpsert(true))

	return err
}

// RecordAuditEvent appends one Build terminal-transition record.
func (c *Cache) RecordAuditEvent(ctx context.Context, ev AuditEvent) error {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return err
	}

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err = db.Collection(auditCollection).InsertOne(ctx, ev)

	return err
}

// AuditTrail returns every recorded transition for one build, oldest
// first, for inspection (spec's "inspectable trail" supplement).
func (c *Cache) AuditTrail(ctx context.Context, buildID uuid.UUID) ([]AuditEvent, error) {
	db, err := c.Conn.db(ctx)
	if err != nil {
		return nil, err
	}

	cur, err := db.Collection(auditCollection).
		Find(ctx, bson.M{"build_id": buildID}, options.Find().SetSort(bson.M{"created_at": 1}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []AuditEvent

	for cur.Next(ctx) {
		var ev AuditEvent
		if err := cur.Decode(&ev); err != nil {
			return nil, err
		}

		events = append(events, ev)
	}

	return events, cur.Err()
}
