// Package bootstrap (continued) wires Config into the concrete
// schedulers, store, and cross-cutting packages, and exposes a single
// Launcher ready to run. Grounded on the teacher's
// components/ledger/internal/bootstrap/service.go's InitServers shape
// (load config, dial dependencies, construct routes, hand everything
// to a Launcher), adapted from its lib-commons Fx-style wiring to a
// single explicit constructor, since this module has no DI container.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/cachepacker"
	"github.com/wavelens/gradient-sub000/internal/config"
	"github.com/wavelens/gradient-sub000/internal/derivcache"
	"github.com/wavelens/gradient-sub000/internal/eventbus"
	"github.com/wavelens/gradient-sub000/internal/evaluator"
	"github.com/wavelens/gradient-sub000/internal/httpapi"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/pathcache"
	"github.com/wavelens/gradient-sub000/internal/scheduler/build"
	"github.com/wavelens/gradient-sub000/internal/scheduler/evaluation"
	"github.com/wavelens/gradient-sub000/internal/sourceprobe"
	"github.com/wavelens/gradient-sub000/internal/sshkeys"
	"github.com/wavelens/gradient-sub000/internal/store"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

// nixDaemonSocket is the standard location of the system Nix daemon's
// UNIX socket, used when an organization opts into the shared store
// (spec §4.1). There is no per-deployment override for this in
// Config: it is a property of the host running the control plane, not
// of this process's own configuration surface.
const nixDaemonSocket = "/nix/var/nix/daemon-socket/socket"

// Dependencies bundles every component this process runs, each ready
// to be registered on a Launcher by Services.
type Dependencies struct {
	Config *config.Config
	Logger log.Logger

	Store         *store.Store
	DerivCache    *derivcache.Cache
	PathCache     *pathcache.Cache
	EventBus      *eventbus.Publisher
	CryptSecret   [32]byte
	Evaluation    *evaluation.Scheduler
	Build         *build.Scheduler
	CachePacker   *cachepacker.Packer
	HTTPRouter    httpRouter
}

// httpRouter is the narrow surface bootstrap needs from the fiber app
// httpapi.NewRouter returns, named here so this file doesn't import
// fiber directly.
type httpRouter interface {
	Listen(addr string) error
	ShutdownWithContext(ctx context.Context) error
}

// New loads every dependency Config names, wires the decorated
// Repository ports, and constructs both schedulers, the cache packer
// and the HTTP router. It does not start anything — call Services and
// hand the result to a Launcher.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Dependencies, error) {
	st := store.New(&store.Connection{PrimaryDSN: cfg.DatabaseURL})
	if err := st.Conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	cryptSecret, err := sshkeys.LoadSecret(cfg.CryptSecretFile)
	if err != nil {
		return nil, fmt.Errorf("load crypt secret: %w", err)
	}

	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		Store:       st,
		CryptSecret: cryptSecret,
	}

	if cfg.MongoURL != "" {
		deps.DerivCache = derivcache.New(&derivcache.Connection{URI: cfg.MongoURL, Database: "gradient"})
	}

	if cfg.RedisURL != "" {
		deps.PathCache = pathcache.New(&pathcache.Connection{URI: cfg.RedisURL, Logger: logger})
	}

	if cfg.AMQPURL != "" {
		deps.EventBus = eventbus.NewPublisher(&eventbus.Connection{URI: cfg.AMQPURL, Logger: logger})
	}

	dialLocal := localStoreDialer(cfg, logger)
	resolveAuth := authResolver(st, cryptSecret)

	var derivationCache evaluator.DerivationCache
	if deps.DerivCache != nil {
		derivationCache = deps.DerivCache
	}

	deps.Evaluation = &evaluation.Scheduler{
		Repo: &evaluationRepository{
			Repository: st,
			store:      st,
			publisher:  deps.EventBus,
			logger:     logger,
		},
		Probe:       sourceprobe.New(logger),
		Runner:      evaluator.NewExecFlakeRunner(cfg.BinpathNix, derivationCache),
		DialStore:   dialLocal,
		ResolveAuth: resolveAuth,
		Logger:      logger,
		Cfg: evaluation.Config{
			MaxConcurrentEvaluations: cfg.MaxConcurrentEvaluations,
			EvaluationTimeout:        cfg.EvaluationTimeout,
		},
	}

	deps.Build = &build.Scheduler{
		Repo: &buildRepository{
			Repository: st,
			store:      st,
			publisher:  deps.EventBus,
			audit:      deps.DerivCache,
			logger:     logger,
		},
		DialLocal: dialLocal,
		Logger:    logger,
		Cfg: build.Config{
			MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
			CryptSecret:         cryptSecret,
		},
		PathCache:   deps.PathCache,
		ProbeServer: newServerCapPool(logger).probe,
	}

	deps.CachePacker = &cachepacker.Packer{
		Repo: st,
		Cfg: cachepacker.Config{
			BasePath:    cfg.BasePath,
			BinpathNix:  cfg.BinpathNix,
			BinpathZstd: cfg.BinpathZstd,
			CryptSecret: cryptSecret,
		},
		Logger: logger,
	}

	jwtSecret, err := loadJWTSecret(cfg.JWTSecretFile)
	if err != nil {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	}

	deps.HTTPRouter = httpapi.NewRouter(st, logger, httpapi.Config{
		Version:   "dev",
		JWTSecret: jwtSecret,
	})

	return deps, nil
}

// localStoreDialer returns a LocalStoreDialer shared by both
// schedulers: the shared system store is reached over its well-known
// UNIX socket, while a per-organization store is spawned as a
// dedicated nix-daemon child process rooted at BasePath/stores/<org>,
// grounded on original_source/backend/core/src/executer.rs's
// "nix-daemon --stdio [--option store <path>]" command construction.
func localStoreDialer(cfg *config.Config, logger log.Logger) evaluation.LocalStoreDialer {
	return func(ctx context.Context, organizationID uuid.UUID, useSharedStore bool) (storeclient.Store, error) {
		if useSharedStore {
			return storeclient.DialUnix(ctx, nixDaemonSocket, logger)
		}

		storeDir := filepath.Join(cfg.BasePath, "stores", organizationID.String())
		if err := os.MkdirAll(storeDir, 0o700); err != nil {
			return nil, fmt.Errorf("create organization store directory: %w", err)
		}

		return storeclient.DialChildProcess(ctx, "nix-daemon", []string{"--stdio", "--option", "store", storeDir}, logger)
	}
}

// authResolver recovers an organization's deploy key and wraps it as
// the go-git auth method used to probe (and, later, clone) a private
// source repository over SSH. "git" is the conventional SSH user for
// a deploy-key-authenticated remote (GitHub/GitLab/Gitea/etc all
// dispatch on the key, not the username).
func authResolver(st *store.Store, cryptSecret [32]byte) evaluation.AuthResolver {
	return func(ctx context.Context, organizationID uuid.UUID) (transport.AuthMethod, error) {
		org, err := st.Organization(ctx, organizationID)
		if err != nil {
			return nil, err
		}

		if org == nil {
			return nil, fmt.Errorf("organization %s not found", organizationID)
		}

		privateKeyPEM, err := sshkeys.Open(cryptSecret, org.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("decrypt organization ssh key: %w", err)
		}

		return sourceprobe.NewSSHAuth("git", privateKeyPEM)
	}
}

// loadJWTSecret reads the HS256 signing secret httpapi verifies
// bearer tokens against. An unset path disables verification (local
// development only, per httpapi.Config's documented empty-secret
// bypass).
func loadJWTSecret(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}

	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt secret file: %w", err)
	}

	return secret, nil
}
