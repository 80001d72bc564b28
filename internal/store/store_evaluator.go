package store

import (
	"context"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
)

// FindByDerivationPaths implements evaluator.BuildLookup, grounded on
// the same per-entity squirrel query style as the teacher's
// ledger.postgresql.go FindAll.
func (s *Store) FindByDerivationPaths(ctx context.Context, organizationID uuid.UUID, paths []string, completedOnly bool) ([]model.Build, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	q := squirrel.Select("b.id", "b.evaluation_id", "b.derivation_path", "b.architecture",
		"b.required_features", "b.status", "b.server_id", "b.log", "b.created_at", "b.updated_at").
		From("builds b").
		Join("evaluations e ON e.id = b.evaluation_id").
		Join("projects p ON p.id = e.project_id").
		Where(squirrel.Eq{"p.organization_id": organizationID}).
		Where(squirrel.Eq{"b.derivation_path": paths}).
		PlaceholderFormat(squirrel.Dollar)

	if completedOnly {
		q = q.Where(squirrel.Eq{"b.status": model.BuildCompleted})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []model.Build

	for rows.Next() {
		var b model.Build
		var requiredFeatures pq.StringArray

		if err := rows.Scan(&b.ID, &b.EvaluationID, &b.DerivationPath, &b.Architecture,
			&requiredFeatures, &b.Status, &b.ServerID, &b.Log, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}

		b.RequiredFeatures = []string(requiredFeatures)
		builds = append(builds, b)
	}

	return builds, rows.Err()
}
