package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
)

// NextUncachedOutput is get_next_build_output: the oldest BuildOutput
// not yet packed, ordered by its owning build's creation time.
func (s *Store) NextUncachedOutput(ctx context.Context) (model.BuildOutput, bool, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return model.BuildOutput{}, false, err
	}

	var o model.BuildOutput

	row := db.QueryRowContext(ctx, `
		SELECT o.id, o.build_id, o.name, o.store_path, o.hash, o.package,
		       o.file_hash, o.file_size, o.is_cached, o.ca, o.created_at
		FROM build_outputs o
		JOIN builds b ON b.id = o.build_id
		WHERE NOT o.is_cached
		ORDER BY b.created_at ASC
		LIMIT 1`)

	err = row.Scan(&o.ID, &o.BuildID, &o.Name, &o.StorePath, &o.Hash, &o.Package,
		&o.FileHash, &o.FileSize, &o.IsCached, &o.CA, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.BuildOutput{}, false, nil
	}

	if err != nil {
		return model.BuildOutput{}, false, err
	}

	return o, true, nil
}

// CachesForBuildOutput walks BuildOutput -> Build -> Evaluation ->
// Project -> Organization -> OrganizationCache -> Cache, the same
// join cacher.rs performs with four sequential find_by_id calls.
func (s *Store) CachesForBuildOutput(ctx context.Context, buildOutputID uuid.UUID) ([]model.Cache, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.priority, c.encrypted_signing_key, c.active
		FROM build_outputs o
		JOIN builds bd ON bd.id = o.build_id
		JOIN evaluations e ON e.id = bd.evaluation_id
		JOIN projects p ON p.id = e.project_id
		JOIN organization_caches oc ON oc.organization_id = p.organization_id
		JOIN caches c ON c.id = oc.cache_id
		WHERE o.id = $1`, buildOutputID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var caches []model.Cache

	for rows.Next() {
		var c model.Cache
		if err := rows.Scan(&c.ID, &c.Priority, &c.EncryptedSigningKey, &c.Active); err != nil {
			return nil, err
		}

		caches = append(caches, c)
	}

	return caches, rows.Err()
}

func (s *Store) InsertBuildOutputSignature(ctx context.Context, sig model.BuildOutputSignature) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO build_output_signatures (id, build_output_id, cache_id, signature) VALUES ($1, $2, $3, $4)`,
		sig.ID, sig.BuildOutputID, sig.CacheID, sig.Signature)

	return err
}

func (s *Store) MarkBuildOutputCached(ctx context.Context, buildOutputID uuid.UUID, fileHash string, fileSize uint32) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE build_outputs SET file_hash = $1, file_size = $2, is_cached = true WHERE id = $3`,
		fileHash, fileSize, buildOutputID)

	return err
}
