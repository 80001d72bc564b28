package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/sourceprobe"
)

// CandidateProjects implements evaluation.Repository, spec §4.4 step 1:
// active projects whose last check is due, and whose last evaluation
// either doesn't exist, is terminal, or is overridden by ForceEvaluate.
// Built with the same per-entity squirrel style as FindByDerivationPaths.
func (s *Store) CandidateProjects(ctx context.Context, threshold time.Time) ([]model.Project, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	query, args, err := squirrel.Select("p.id", "p.organization_id", "p.name", "p.repository", "p.wildcard",
		"p.last_check_at", "p.last_evaluation", "p.force_evaluate", "p.active").
		From("projects p").
		LeftJoin("evaluations e ON e.id = p.last_evaluation").
		Where(squirrel.Eq{"p.active": true}).
		Where(squirrel.LtOrEq{"p.last_check_at": threshold}).
		Where(squirrel.Or{
			squirrel.Eq{"p.last_evaluation": nil},
			squirrel.Eq{"p.force_evaluate": true},
			squirrel.Eq{"e.status": []model.EvaluationStatus{
				model.EvaluationCompleted, model.EvaluationFailed, model.EvaluationAborted,
			}},
		}).
		OrderBy("p.last_check_at ASC").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.Project

	for rows.Next() {
		var p model.Project

		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Repository, &p.Wildcard,
			&p.LastCheckAt, &p.LastEvaluation, &p.ForceEvaluate, &p.Active); err != nil {
			return nil, err
		}

		projects = append(projects, p)
	}

	return projects, rows.Err()
}

// HasActiveServer implements both evaluation.Repository and
// build.Repository.
func (s *Store) HasActiveServer(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return false, err
	}

	var exists bool

	err = db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM servers WHERE organization_id = $1 AND active)`,
		organizationID).Scan(&exists)

	return exists, err
}

// LastEvaluation joins through to the Commit row so the source probe
// never needs to know about the evaluations table directly.
func (s *Store) LastEvaluation(ctx context.Context, evaluationID uuid.UUID) (*sourceprobe.LastEvaluation, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	var status model.EvaluationStatus
	var hash []byte

	err = db.QueryRowContext(ctx,
		`SELECT e.status, c.hash FROM evaluations e JOIN commits c ON c.id = e.commit_id WHERE e.id = $1`,
		evaluationID).Scan(&status, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var commit [20]byte
	copy(commit[:], hash)

	return &sourceprobe.LastEvaluation{Status: status, Commit: commit}, nil
}

// Organization implements both evaluation.Repository and
// build.Repository.
func (s *Store) Organization(ctx context.Context, id uuid.UUID) (*model.Organization, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	var o model.Organization

	err = db.QueryRowContext(ctx,
		`SELECT id, name, public_key, private_key, use_shared_store, created_at FROM organizations WHERE id = $1`,
		id).Scan(&o.ID, &o.Name, &o.PublicKey, &o.PrivateKey, &o.UseSharedStore, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &o, nil
}

func (s *Store) InsertCommit(ctx context.Context, c model.Commit) (model.Commit, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return model.Commit{}, err
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO commits (id, hash, message, author_email, author_name) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Hash[:], c.Message, c.AuthorEmail, c.AuthorName)

	return c, err
}

func (s *Store) InsertEvaluation(ctx context.Context, e model.Evaluation) (model.Evaluation, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return model.Evaluation{}, err
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO evaluations (id, project_id, repository, commit_id, wildcard, status, previous, next, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ProjectID, e.Repository, e.CommitID, e.Wildcard, e.Status, e.Previous, e.Next, e.Error)

	return e, err
}

func (s *Store) LinkNextEvaluation(ctx context.Context, previousID, nextID uuid.UUID) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `UPDATE evaluations SET next = $1 WHERE id = $2`, nextID, previousID)

	return err
}

func (s *Store) MarkProjectScheduled(ctx context.Context, projectID, evaluationID uuid.UUID) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE projects SET last_evaluation = $1, last_check_at = now() WHERE id = $2`,
		evaluationID, projectID)

	return err
}

func (s *Store) UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE evaluations SET status = $1, error = $2, updated_at = now() WHERE id = $3`,
		status, errMsg, evaluationID)

	return err
}

// InsertBuilds batch-inserts a chunk of Builds (caller already splits
// into groups of at most 1000, per spec §4.4 step 4).
func (s *Store) InsertBuilds(ctx context.Context, builds []model.Build) error {
	if len(builds) == 0 {
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
		INSERT INTO builds (id, evaluation_id, derivation_path, architecture, required_features, status, server_id, log)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range builds {
		if b.ID == uuid.Nil {
			b.ID = uuid.New()
		}

		if _, err := stmt.ExecContext(ctx, b.ID, b.EvaluationID, b.DerivationPath, b.Architecture,
			pq.Array(b.RequiredFeatures), b.Status, b.ServerID, b.Log); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) InsertBuildDependencies(ctx context.Context, deps []model.BuildDependency) error {
	if len(deps) == 0 {
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

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO build_dependencies (id, build_id, dependency_id) VALUES ($1, $2, $3)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range deps {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}

		if _, err := stmt.ExecContext(ctx, d.ID, d.BuildID, d.DependencyID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// UpdateBuildStatus implements both evaluation.Repository and
// build.Repository.
func (s *Store) UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx,
		`UPDATE builds SET status = $1, updated_at = now() WHERE id = $2`, status, buildID)

	return err
}
