// Package httpapi is a thin fiber router exposing health/version and
// minimal CRUD projections over Project/Server/Cache — full REST
// handlers are explicitly out of scope (spec §1), so this stays a
// small, read-mostly surface rather than a complete API. Grounded on
// components/ledger/internal/adapters/http/in/routes.go's router
// construction and common/net/http's Ping/Version handler idiom.
package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

// Repository is the persistence port this router's handlers drive.
type Repository interface {
	ListProjects(ctx context.Context, organizationID uuid.UUID) ([]model.Project, error)
	CreateProject(ctx context.Context, p model.Project) error

	ListServers(ctx context.Context, organizationID uuid.UUID) ([]model.Server, error)
	CreateServer(ctx context.Context, s model.Server) error

	ListCaches(ctx context.Context, organizationID uuid.UUID) ([]model.Cache, error)
	CreateCache(ctx context.Context, organizationID uuid.UUID, c model.Cache) error
}

// Config configures the router.
type Config struct {
	Version   string
	JWTSecret []byte // empty disables bearer verification (local dev only)
}

// NewRouter builds the fiber app, grounded on routes.go's
// middleware-then-routes construction order.
func NewRouter(repo Repository, logger log.Logger, cfg Config) *fiber.App {
	f := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Errorf("http error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		},
	})

	f.Get("/health", ping)
	f.Get("/version", version(cfg.Version))

	api := f.Group("/v1", requireBearer(cfg.JWTSecret))

	api.Get("/organizations/:organization_id/projects", listProjects(repo))
	api.Post("/organizations/:organization_id/projects", createProject(repo))

	api.Get("/organizations/:organization_id/servers", listServers(repo))
	api.Post("/organizations/:organization_id/servers", createServer(repo))

	api.Get("/organizations/:organization_id/caches", listCaches(repo))
	api.Post("/organizations/:organization_id/caches", createCache(repo))

	return f
}

func ping(c *fiber.Ctx) error { return c.SendString("healthy") }

func version(v string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":     v,
			"requestDate": time.Now().UTC(),
		})
	}
}

// requireBearer verifies an HS256 JWT from the Authorization header.
// Token issuance is out of scope (spec §1's ambient-auth carve-out) —
// this only verifies a token issued elsewhere. An empty secret is
// treated as "auth disabled", for local development only.
func requireBearer(secret []byte) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if len(secret) == 0 {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)

		parts := strings.SplitN(header, "Bearer ", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing bearer token"})
		}

		token, err := jwt.Parse(strings.TrimSpace(parts[1]), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}

			return secret, nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		return c.Next()
	}
}

func organizationIDParam(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("organization_id"))
}

func listProjects(repo Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := organizationIDParam(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization_id"})
		}

		projects, err := repo.ListProjects(c.UserContext(), orgID)
		if err != nil {
			return err
		}

		return c.JSON(projects)
	}
}

func createProject(repo Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := organizationIDParam(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization_id"})
		}

		var p model.Project
		if err := c.BodyParser(&p); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		p.ID = uuid.New()
		p.OrganizationID = orgID

		if err := repo.CreateProject(c.UserContext(), p); err != nil {
			return err
		}

		return c.Status(fiber.StatusCreated).JSON(p)
	}
}

func listServers(repo Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := organizationIDParam(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization_id"})
		}

		servers, err := repo.ListServers(c.UserContext(), orgID)
		if err != nil {
			return err
		}

		return c.JSON(servers)
	}
}

func createServer(repo Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := organizationIDParam(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization_id"})
		}

		var s model.Server
		if err := c.BodyParser(&s); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		s.ID = uuid.New()
		s.OrganizationID = orgID

		if err := repo.CreateServer(c.UserContext(), s); err != nil {
			return err
		}

		return c.Status(fiber.StatusCreated).JSON(s)
	}
}

func listCaches(repo Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := organizationIDParam(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization_id"})
		}

		caches, err := repo.ListCaches(c.UserContext(), orgID)
		if err != nil {
			return err
		}

		return c.JSON(caches)
	}
}

func createCache(repo Repository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID, err := organizationIDParam(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid organization_id"})
		}

		var cache model.Cache
		if err := c.BodyParser(&cache); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		cache.ID = uuid.New()

		if err := repo.CreateCache(c.UserContext(), orgID, cache); err != nil {
			return err
		}

		return c.Status(fiber.StatusCreated).JSON(cache)
	}
}
