package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
)

// ListProjects and its siblings back the thin REST projections of
// internal/httpapi — spec §1 scopes full handlers out, so these stay
// simple list/insert pairs rather than the teacher's paginated
// squirrel-built queries.
func (s *Store) ListProjects(ctx context.Context, organizationID uuid.UUID) ([]model.Project, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, organization_id, name, repository, wildcard, last_check_at, last_evaluation, force_evaluate, active
		FROM projects
		WHERE organization_id = $1
		ORDER BY name ASC`, organizationID)
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

func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projects (id, organization_id, name, repository, wildcard, force_evaluate, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.OrganizationID, p.Name, p.Repository, p.Wildcard, p.ForceEvaluate, p.Active)

	return err
}

// ListServers returns every server for organizationID regardless of
// active/architecture/feature match — unlike EligibleServers, which
// the build scheduler uses to filter candidates for one build, this
// is the unfiltered listing an operator views/manages through the API.
func (s *Store) ListServers(ctx context.Context, organizationID uuid.UUID) ([]model.Server, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, organization_id, host, port, "user", last_connection_at, active, architectures, features
		FROM servers
		WHERE organization_id = $1
		ORDER BY host ASC`, organizationID)
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

func (s *Store) CreateServer(ctx context.Context, srv model.Server) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO servers (id, organization_id, host, port, "user", active, architectures, features)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		srv.ID, srv.OrganizationID, srv.Host, srv.Port, srv.User, srv.Active,
		pq.Array(srv.Architectures), pq.Array(srv.Features))

	return err
}

func (s *Store) ListCaches(ctx context.Context, organizationID uuid.UUID) ([]model.Cache, error) {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.priority, c.encrypted_signing_key, c.active
		FROM caches c
		JOIN organization_caches oc ON oc.cache_id = c.id
		WHERE oc.organization_id = $1
		ORDER BY c.priority DESC`, organizationID)
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

func (s *Store) CreateCache(ctx context.Context, organizationID uuid.UUID, c model.Cache) error {
	db, err := s.Conn.DB(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO caches (id, priority, encrypted_signing_key, active) VALUES ($1, $2, $3, $4)`,
		c.ID, c.Priority, c.EncryptedSigningKey, c.Active); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organization_caches (id, organization_id, cache_id) VALUES ($1, $2, $3)`,
		uuid.New(), organizationID, c.ID); err != nil {
		return err
	}

	return tx.Commit()
}
