package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
)

// NextReadyBuild implements build.Repository's readiness query,
// grounded on the source's get_next_build raw SQL: a Queued build none
// of whose dependencies are outstanding (every dependency is either
// absent or Completed). Built with the same per-entity squirrel style
// as FindByDerivationPaths, embedding the NOT EXISTS subquery as a raw
// predicate since squirrel has no subquery builder of its own.
func (s *Store) NextReadyBuild(ctx context.Context) (model.Build, bool, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return model.Build{}, false, err
	}

	// Left unformatted (default "?" placeholders): its markers are
	// swept up by the outer query's own Dollar renumbering pass when
	// embedded below, so they must not be pre-numbered themselves.
	outstandingDeps, depArgs, err := squirrel.Select("1").
		From("build_dependencies d").
		Join("builds dep ON dep.id = d.dependency_id").
		Where("d.build_id = b.id").
		Where(squirrel.NotEq{"dep.status": model.BuildCompleted}).
		ToSql()
	if err != nil {
		return model.Build{}, false, err
	}

	query, args, err := squirrel.Select("b.id", "b.evaluation_id", "b.derivation_path", "b.architecture",
		"b.required_features", "b.status", "b.server_id", "b.log", "b.created_at", "b.updated_at").
		From("builds b").
		Where(squirrel.Eq{"b.status": model.BuildQueued}).
		Where(squirrel.Expr("NOT EXISTS ("+outstandingDeps+")", depArgs...)).
		OrderBy("b.updated_at ASC").
		Limit(1).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return model.Build{}, false, err
	}

	var b model.Build
	var requiredFeatures pq.StringArray

	row := db.QueryRowContext(ctx, query, args...)

	err = row.Scan(&b.ID, &b.EvaluationID, &b.DerivationPath, &b.Architecture, &requiredFeatures,
		&b.Status, &b.ServerID, &b.Log, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Build{}, false, nil
	}

	if err != nil {
		return model.Build{}, false, err
	}

	b.RequiredFeatures = []string(requiredFeatures)

	return b, true, nil
}

func (s *Store) OrganizationForEvaluation(ctx context.Context, evaluationID uuid.UUID) (uuid.UUID, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	var orgID uuid.UUID

	err = db.QueryRowContext(ctx, `
		SELECT p.organization_id
		FROM evaluations e
		JOIN projects p ON p.id = e.project_id
		WHERE e.id = $1`, evaluationID).Scan(&orgID)

	return orgID, err
}

// EligibleServers returns active servers matching architecture
// (including the BUILTIN sentinel) and a feature superset, ordered so
// callers try the same candidate first on every call within one poll.
func (s *Store) EligibleServers(ctx context.Context, organizationID uuid.UUID, architecture string, requiredFeatures []string) ([]model.Server, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, organization_id, host, port, "user", last_connection_at, active, architectures, features
		FROM servers
		WHERE organization_id = $1
		  AND active
		  AND (architectures @> ARRAY[$2::text] OR architectures @> ARRAY['BUILTIN'])
		  AND features @> $3::text[]
		ORDER BY id ASC`,
		organizationID, architecture, pq.Array(requiredFeatures))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []model.Server

	for rows.Next() {
		var srv model.Server
		var architectures, features pq.StringArray

		if err := rows.Scan(&srv.ID, &srv.OrganizationID, &srv.Host, &srv.Port, &srv.User,
			&srv.LastConnectionAt, &srv.Active, &architectures, &features); err != nil {
			return nil, err
		}

		srv.Architectures = []string(architectures)
		srv.Features = []string(features)
		servers = append(servers, srv)
	}

	return servers, rows.Err()
}

// ReserveServer is the single transactional update of spec §4.5 step
// 2: it only takes effect if the build is still Queued and no other
// build already holds the server in Building status.
func (s *Store) ReserveServer(ctx context.Context, buildID, serverID uuid.UUID) (bool, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return false, err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE builds
		SET server_id = $1, status = $2, updated_at = now()
		WHERE id = $3
		  AND status = $4
		  AND NOT EXISTS (
		    SELECT 1 FROM builds b2 WHERE b2.server_id = $1 AND b2.status = $2
		  )`,
		serverID, model.BuildBuilding, buildID, model.BuildQueued)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (s *Store) DependencyDerivationPaths(ctx context.Context, buildID uuid.UUID) ([]string, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT dep.derivation_path
		FROM build_dependencies d
		JOIN builds dep ON dep.id = d.dependency_id
		WHERE d.build_id = $1`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}

		paths = append(paths, p)
	}

	return paths, rows.Err()
}

func (s *Store) ReverseDependents(ctx context.Context, buildID uuid.UUID) ([]model.Build, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT b.id, b.evaluation_id, b.derivation_path, b.architecture, b.required_features,
		       b.status, b.server_id, b.log, b.created_at, b.updated_at
		FROM build_dependencies d
		JOIN builds b ON b.id = d.build_id
		WHERE d.dependency_id = $1`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []model.Build

	for rows.Next() {
		var b model.Build
		var requiredFeatures pq.StringArray

		if err := rows.Scan(&b.ID, &b.EvaluationID, &b.DerivationPath, &b.Architecture, &requiredFeatures,
			&b.Status, &b.ServerID, &b.Log, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}

		b.RequiredFeatures = []string(requiredFeatures)
		builds = append(builds, b)
	}

	return builds, rows.Err()
}

// BuildStatusByID returns a build's current status and owning
// evaluation, used by the bootstrap status decorator to fill in an
// AuditEvent's FromStatus before overwriting it.
func (s *Store) BuildStatusByID(ctx context.Context, buildID uuid.UUID) (model.BuildStatus, uuid.UUID, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return "", uuid.Nil, err
	}

	var status model.BuildStatus
	var evaluationID uuid.UUID

	err = db.QueryRowContext(ctx,
		`SELECT status, evaluation_id FROM builds WHERE id = $1`, buildID).Scan(&status, &evaluationID)

	return status, evaluationID, err
}

func (s *Store) RequeueBuild(ctx context.Context, buildID uuid.UUID) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE builds SET status = $1, server_id = NULL, updated_at = now() WHERE id = $2`,
		model.BuildQueued, buildID)

	return err
}

func (s *Store) AppendBuildLog(ctx context.Context, buildID uuid.UUID, text string) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE builds SET log = log || $1 || E'\n', updated_at = now() WHERE id = $2`,
		text, buildID)

	return err
}

// InsertBuildOutputs batch-inserts a chunk of BuildOutput rows (caller
// splits into groups of at most 1000, per spec §4.5 step 8).
func (s *Store) InsertBuildOutputs(ctx context.Context, outputs []model.BuildOutput) error {
	if len(outputs) == 0 {
		return nil
	}

	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO build_outputs (id, build_id, name, store_path, hash, package, file_hash, file_size, is_cached, ca)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outputs {
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}

		if _, err := stmt.ExecContext(ctx, o.ID, o.BuildID, o.Name, o.StorePath, o.Hash, o.Package,
			o.FileHash, o.FileSize, o.IsCached, o.CA); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) EvaluationBuildStatuses(ctx context.Context, evaluationID uuid.UUID) ([]model.BuildStatus, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT status FROM builds WHERE evaluation_id = $1`, evaluationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []model.BuildStatus

	for rows.Next() {
		var st model.BuildStatus
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}

		statuses = append(statuses, st)
	}

	return statuses, rows.Err()
}
