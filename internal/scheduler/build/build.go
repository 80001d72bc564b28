// Package build runs the control loop that drives a ready Build
// through server reservation, closure copy and remote execution (spec
// §4.5), grounded on
// original_source/backend/builder/src/scheduler.rs's
// schedule_build_loop/schedule_build/get_next_build/reserve_available_server.
package build

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/pathcache"
	"github.com/wavelens/gradient-sub000/internal/sshkeys"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

const pollInterval = 5 * time.Second

// connectRetries is the fixed retry policy named by spec §4.1/§4.5/§9:
// the build scheduler's remote-store connection is the only place a
// store connection is retried, up to three attempts total with a
// 5-second sleep between them.
const connectRetries = 3

const connectRetryDelay = 5 * time.Second

// closureCopyConcurrency bounds how many store paths are copied to
// the remote in parallel (spec §4.5 step 5).
const closureCopyConcurrency = 8

// Repository is the persistence port driving build selection, server
// reservation and status propagation.
type Repository interface {
	// NextReadyBuild returns a build whose status is Queued and whose
	// dependency edges all point at Completed builds (the SQL-level
	// readiness query of spec §4.5), or ok=false if none are ready.
	NextReadyBuild(ctx context.Context) (build model.Build, ok bool, err error)

	OrganizationForEvaluation(ctx context.Context, evaluationID uuid.UUID) (uuid.UUID, error)
	Organization(ctx context.Context, id uuid.UUID) (*model.Organization, error)
	HasActiveServer(ctx context.Context, organizationID uuid.UUID) (bool, error)

	// EligibleServers returns active servers of organizationID whose
	// architecture matches (or is the BUILTIN sentinel) and whose
	// feature set is a superset of requiredFeatures, in a stable
	// first-match-wins order.
	EligibleServers(ctx context.Context, organizationID uuid.UUID, architecture string, requiredFeatures []string) ([]model.Server, error)

	// ReserveServer is the single transactional update of spec §4.5
	// step 2: it succeeds only if the build is still Queued and the
	// server has no other build in Building status, atomically setting
	// build.server and transitioning the build to Building.
	ReserveServer(ctx context.Context, buildID, serverID uuid.UUID) (bool, error)

	// DependencyDerivationPaths returns the derivation_path of every
	// build this build directly depends on.
	DependencyDerivationPaths(ctx context.Context, buildID uuid.UUID) ([]string, error)

	// ReverseDependents returns every build whose dependency edge
	// points directly at buildID (i.e. builds that require it).
	ReverseDependents(ctx context.Context, buildID uuid.UUID) ([]model.Build, error)

	UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error
	RequeueBuild(ctx context.Context, buildID uuid.UUID) error
	AppendBuildLog(ctx context.Context, buildID uuid.UUID, text string) error
	InsertBuildOutputs(ctx context.Context, outputs []model.BuildOutput) error

	EvaluationBuildStatuses(ctx context.Context, evaluationID uuid.UUID) ([]model.BuildStatus, error)
	UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error
}

// LocalStoreDialer connects to the organization's local derivation
// daemon, matching spec §4.1's shared-vs-per-organization choice.
type LocalStoreDialer func(ctx context.Context, organizationID uuid.UUID, useSharedStore bool) (storeclient.Store, error)

// Config tunes the scheduler's concurrency.
type Config struct {
	MaxConcurrentBuilds int
	CryptSecret         [32]byte
}

// Scheduler drives schedule_build_loop's Go equivalent.
type Scheduler struct {
	Repo      Repository
	DialLocal LocalStoreDialer
	Logger    log.Logger
	Cfg       Config

	// PathCache is optional; when set it short-circuits EligibleServers
	// lookups for organizations recently seen with zero eligible
	// servers, and memoizes per-path validity across closure copies.
	PathCache *pathcache.Cache

	// ProbeServer is optional; when set it gates each eligible server
	// behind a live capability probe before reservation, catching a
	// Server row whose stored architecture/features are stale relative
	// to what the host actually reports (spec §4.5 step 2's reservation
	// check, extended with servercap's liveness signal).
	ProbeServer func(ctx context.Context, server model.Server) bool
}

// Run blocks until ctx is cancelled, continually filling available
// worker slots with newly-ready builds, the same semaphore + ticker
// shape as the evaluation scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	maxConcurrent := s.Cfg.MaxConcurrentBuilds
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)

	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		scheduledAny := false

	fill:
		for {
			select {
			case sem <- struct{}{}:
			default:
				break fill
			}

			build, ok, err := s.Repo.NextReadyBuild(ctx)
			if err != nil {
				s.Logger.Errorf("find next ready build: %v", err)
				<-sem

				break fill
			}

			if !ok {
				<-sem

				break fill
			}

			server, reserved := s.reserveServer(ctx, build)
			if !reserved {
				<-sem

				continue
			}

			scheduledAny = true

			wg.Add(1)

			go func(build model.Build, server model.Server) {
				defer wg.Done()
				defer func() { <-sem }()

				s.scheduleBuild(ctx, build, server)
			}(build, server)
		}

		if !scheduledAny {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// reserveServer implements spec §4.5 step 2 / reserve_available_server:
// an empty eligible set aborts the build (and the evaluation)
// immediately, while a non-empty set where every candidate is busy
// simply defers to the next cycle.
func (s *Scheduler) reserveServer(ctx context.Context, build model.Build) (model.Server, bool) {
	orgID, err := s.Repo.OrganizationForEvaluation(ctx, build.EvaluationID)
	if err != nil {
		s.Logger.Errorf("resolve organization for build %s: %v", build.ID, err)
		return model.Server{}, false
	}

	if s.PathCache != nil {
		inBackoff, err := s.PathCache.InBackoff(ctx, orgID)
		if err != nil {
			s.Logger.Warnf("check no-eligible-server backoff for org %s: %v", orgID, err)
		} else if inBackoff {
			return model.Server{}, false
		}
	}

	servers, err := s.Repo.EligibleServers(ctx, orgID, build.Architecture, build.RequiredFeatures)
	if err != nil {
		s.Logger.Errorf("query eligible servers for build %s: %v", build.ID, err)
		return model.Server{}, false
	}

	if len(servers) == 0 {
		if s.PathCache != nil {
			if err := s.PathCache.MarkNoEligibleServers(ctx, orgID); err != nil {
				s.Logger.Warnf("mark no-eligible-server backoff for org %s: %v", orgID, err)
			}
		}

		s.abortNoServers(ctx, build)

		return model.Server{}, false
	}

	for _, srv := range servers {
		if s.ProbeServer != nil && !s.ProbeServer(ctx, srv) {
			s.Logger.Warnf("server %s failed capability probe, skipping for build %s", srv.ID, build.ID)
			continue
		}

		ok, err := s.Repo.ReserveServer(ctx, build.ID, srv.ID)
		if err != nil {
			s.Logger.Warnf("reserve server %s for build %s: %v", srv.ID, build.ID, err)
			continue
		}

		if ok {
			return srv, true
		}
	}

	return model.Server{}, false
}

func (s *Scheduler) abortNoServers(ctx context.Context, build model.Build) {
	s.propagateStatus(ctx, build.ID, model.BuildAborted)
	s.checkEvaluationStatus(ctx, build.EvaluationID)

	if err := s.Repo.UpdateEvaluationStatus(ctx, build.EvaluationID, model.EvaluationAborted,
		"no servers available to build this evaluation; ensure at least one active server supports the required architecture and features"); err != nil {
		s.Logger.Errorf("mark evaluation %s aborted: %v", build.EvaluationID, err)
	}
}

// scheduleBuild is schedule_build: connect, copy the dependency
// closure, dispatch the build, and copy results back.
func (s *Scheduler) scheduleBuild(ctx context.Context, build model.Build, server model.Server) {
	logger := s.Logger.WithFields("build_id", build.ID, "server_id", server.ID, "derivation_path", build.DerivationPath)
	logger.Info("executing build")

	org, err := s.Repo.Organization(ctx, server.OrganizationID)
	if err != nil || org == nil {
		logger.Errorf("load organization: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildAborted)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	localStore, err := s.DialLocal(ctx, org.ID, org.UseSharedStore)
	if err != nil {
		logger.Errorf("dial local store: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildAborted)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}
	defer localStore.Close()

	privateKeyPEM, err := sshkeys.Open(s.Cfg.CryptSecret, org.PrivateKey)
	if err != nil {
		logger.Errorf("decrypt organization ssh key: %v", err)
		return
	}

	remoteStore, err := s.connectWithRetry(ctx, server, privateKeyPEM, logger)
	if err != nil {
		logger.Errorf("connect to server after retries: %v", err)

		if err := s.Repo.RequeueBuild(ctx, build.ID); err != nil {
			logger.Errorf("requeue build: %v", err)
		}

		return
	}
	defer remoteStore.Close()

	logger.Info("connected to server successfully")

	depPaths, err := s.dependencyClosurePaths(ctx, localStore, build)
	if err != nil {
		logger.Errorf("compute dependency closure: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildFailed)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	logger.Infof("copying %d dependencies", len(depPaths))

	if err := s.copyClosure(ctx, localStore, remoteStore, depPaths); err != nil {
		logger.Errorf("copy dependency closure: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildFailed)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	events, collect, err := remoteStore.BuildPathsWithResults(ctx, []storeclient.BuildSpec{{DerivationPath: build.DerivationPath}}, storeclient.BuildModeNormal)
	if err != nil {
		logger.Errorf("submit build: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildFailed)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	for ev := range events {
		if ev.Kind != storeclient.ProgressMessage && ev.Kind != storeclient.ProgressStart {
			continue
		}

		if msg, ok := ev.Fields["msg"]; ok && strings.TrimSpace(msg) != "" {
			if err := s.Repo.AppendBuildLog(ctx, build.ID, strings.TrimSpace(msg)); err != nil {
				logger.Warnf("append build log: %v", err)
			}
		}
	}

	results, err := collect()
	if err != nil {
		logger.Errorf("collect build results: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildFailed)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	result, ok := results[build.DerivationPath]
	if !ok || result.Error != "" {
		if ok {
			logger.Errorf("build failed: %s", result.Error)
		} else {
			logger.Error("build produced no result")
		}

		s.propagateStatus(ctx, build.ID, model.BuildFailed)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	outputs, err := remoteStore.QueryDerivationOutputMap(ctx, build.DerivationPath)
	if err != nil {
		logger.Errorf("query remote output map: %v", err)
		s.propagateStatus(ctx, build.ID, model.BuildFailed)
		s.checkEvaluationStatus(ctx, build.EvaluationID)

		return
	}

	var buildOutputs []model.BuildOutput

	for name, outPath := range outputs {
		if err := s.copyPath(ctx, remoteStore, localStore, outPath); err != nil {
			logger.Errorf("copy output %s back to local: %v", outPath, err)
			continue
		}

		hash, pkg := hashAndPackageFromPath(outPath)

		buildOutputs = append(buildOutputs, model.BuildOutput{
			ID:        uuid.New(),
			BuildID:   build.ID,
			Name:      name,
			StorePath: outPath,
			Hash:      hash,
			Package:   pkg,
		})
	}

	if err := insertBatched(ctx, buildOutputs, 1000, s.Repo.InsertBuildOutputs); err != nil {
		logger.Errorf("insert build outputs: %v", err)
	}

	if err := s.Repo.UpdateBuildStatus(ctx, build.ID, model.BuildCompleted); err != nil {
		logger.Errorf("mark build completed: %v", err)
	}

	s.checkEvaluationStatus(ctx, build.EvaluationID)
}

func (s *Scheduler) connectWithRetry(ctx context.Context, server model.Server, privateKeyPEM []byte, logger log.Logger) (storeclient.Store, error) {
	cfg := storeclient.SSHConfig{
		Host:       server.Host,
		Port:       server.Port,
		User:       server.User,
		PrivateKey: privateKeyPEM,
	}

	var lastErr error

	for attempt := 0; attempt < connectRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectRetryDelay):
			}
		}

		store, err := storeclient.DialSSH(ctx, cfg, logger)
		if err == nil {
			return store, nil
		}

		lastErr = err
	}

	return nil, lastErr
}

// dependencyClosurePaths implements spec §4.5 step 4: for each direct
// dependency, a .drv path is expanded to its output paths (filtered to
// those still missing locally is unnecessary here — missingness is
// resolved per-path during the copy itself), a non-.drv path is used
// as-is.
func (s *Scheduler) dependencyClosurePaths(ctx context.Context, local storeclient.Store, build model.Build) ([]string, error) {
	depBuildPaths, err := s.Repo.DependencyDerivationPaths(ctx, build.ID)
	if err != nil {
		return nil, fmt.Errorf("query dependency derivation paths: %w", err)
	}

	seen := make(map[string]struct{})
	var closure []string

	for _, drv := range depBuildPaths {
		if !strings.HasSuffix(drv, ".drv") {
			if _, dup := seen[drv]; !dup {
				seen[drv] = struct{}{}
				closure = append(closure, drv)
			}

			continue
		}

		outputMap, err := local.QueryDerivationOutputMap(ctx, drv)
		if err != nil {
			return nil, fmt.Errorf("query output map for %s: %w", drv, err)
		}

		for _, p := range outputMap {
			if _, dup := seen[p]; !dup {
				seen[p] = struct{}{}
				closure = append(closure, p)
			}
		}
	}

	return closure, nil
}

// copyClosure implements spec §4.5 step 5, bounding concurrency with
// an errgroup the way the teacher's concurrent fan-outs do.
func (s *Scheduler) copyClosure(ctx context.Context, local, remote storeclient.Store, paths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closureCopyConcurrency)

	for _, p := range paths {
		p := p

		g.Go(func() error {
			return s.copyPath(gctx, local, remote, p)
		})
	}

	return g.Wait()
}

// copyPath streams one store path from src to dst, skipping paths
// already valid at the destination and verifying validity afterward.
// When a PathCache is configured, a path already known-valid at dst
// skips the IsValidPath round-trip entirely.
func (s *Scheduler) copyPath(ctx context.Context, src, dst storeclient.Store, storePath string) error {
	if s.PathCache != nil {
		if known, err := s.PathCache.IsKnownValid(ctx, storePath); err == nil && known {
			return nil
		}
	}

	valid, err := dst.IsValidPath(ctx, storePath)
	if err != nil {
		return fmt.Errorf("check validity of %s at destination: %w", storePath, err)
	}

	if valid {
		if s.PathCache != nil {
			_ = s.PathCache.RememberValid(ctx, storePath)
		}

		return nil
	}

	info, err := src.QueryPathInfo(ctx, storePath)
	if err != nil {
		return fmt.Errorf("query path info for %s: %w", storePath, err)
	}

	if info == nil {
		return fmt.Errorf("path %s not valid at source", storePath)
	}

	nar, err := src.NarFromPath(ctx, storePath)
	if err != nil {
		return fmt.Errorf("stream nar for %s: %w", storePath, err)
	}
	defer nar.Close()

	if err := dst.AddToStoreNar(ctx, storePath, info, nar); err != nil {
		return fmt.Errorf("add %s to destination store: %w", storePath, err)
	}

	valid, err = dst.IsValidPath(ctx, storePath)
	if err != nil {
		return fmt.Errorf("verify %s after copy: %w", storePath, err)
	}

	if !valid {
		if s.PathCache != nil {
			_ = s.PathCache.Forget(ctx, storePath)
		}

		return fmt.Errorf("path %s not valid at destination after copy", storePath)
	}

	if s.PathCache != nil {
		_ = s.PathCache.RememberValid(ctx, storePath)
	}

	return nil
}

// hashAndPackageFromPath splits a Nix store path's base name
// "<hash>-<name>" into its two components.
func hashAndPackageFromPath(storePath string) (hash, pkg string) {
	base := path.Base(storePath)

	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return base, ""
	}

	return base[:idx], base[idx+1:]
}

// propagateStatus implements spec §4.5.1: a bounded breadth-first
// walk over reverse dependency edges, transitioning every non-terminal
// dependent build to status, then the build itself.
func (s *Scheduler) propagateStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) {
	visited := make(map[uuid.UUID]struct{})
	queue := []uuid.UUID{buildID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if _, ok := visited[current]; ok {
			continue
		}

		visited[current] = struct{}{}

		dependents, err := s.Repo.ReverseDependents(ctx, current)
		if err != nil {
			s.Logger.Errorf("query reverse dependents of %s: %v", current, err)
			continue
		}

		for _, dep := range dependents {
			if dep.Status.IsTerminal() {
				continue
			}

			if err := s.Repo.UpdateBuildStatus(ctx, dep.ID, status); err != nil {
				s.Logger.Errorf("propagate status to build %s: %v", dep.ID, err)
			}

			queue = append(queue, dep.ID)
		}
	}

	if err := s.Repo.UpdateBuildStatus(ctx, buildID, status); err != nil {
		s.Logger.Errorf("set build %s status: %v", buildID, err)
	}
}

// checkEvaluationStatus implements spec §4.5.2.
func (s *Scheduler) checkEvaluationStatus(ctx context.Context, evaluationID uuid.UUID) {
	statuses, err := s.Repo.EvaluationBuildStatuses(ctx, evaluationID)
	if err != nil {
		s.Logger.Errorf("query build statuses for evaluation %s: %v", evaluationID, err)
		return
	}

	allCompleted := true
	anyBuilding, anyAborted, anyFailed := false, false, false

	for _, st := range statuses {
		if st != model.BuildCompleted {
			allCompleted = false
		}

		switch st {
		case model.BuildBuilding:
			anyBuilding = true
		case model.BuildAborted:
			anyAborted = true
		case model.BuildFailed:
			anyFailed = true
		}
	}

	var next model.EvaluationStatus

	switch {
	case allCompleted:
		next = model.EvaluationCompleted
	case anyBuilding:
		return // remain Building, no transition
	case anyAborted:
		next = model.EvaluationAborted
	case anyFailed:
		next = model.EvaluationFailed
	default:
		return
	}

	if err := s.Repo.UpdateEvaluationStatus(ctx, evaluationID, next, ""); err != nil {
		s.Logger.Errorf("update evaluation %s status: %v", evaluationID, err)
	}
}

func insertBatched[T any](ctx context.Context, rows []T, size int, insert func(context.Context, []T) error) error {
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		if err := insert(ctx, rows[start:end]); err != nil {
			return err
		}
	}

	return nil
}
