package bootstrap

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/derivcache"
	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/eventbus"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/scheduler/build"
	"github.com/wavelens/gradient-sub000/internal/scheduler/evaluation"
)

// statusSink is the narrow surface both scheduler Repository
// interfaces share for status writes, plus the one extra read
// (BuildStatusByID) the decorators need to fill in an AuditEvent's
// FromStatus. *store.Store satisfies this directly.
type statusSink interface {
	BuildStatusByID(ctx context.Context, buildID uuid.UUID) (model.BuildStatus, uuid.UUID, error)
}

// publishBuildStatus wraps the actual status write with an eventbus
// publish and, for a terminal status, an AuditEvent (SPEC_FULL.md §3's
// audit-tree supplement). A publish/audit failure is logged, not
// propagated: the build's status row is the source of truth and must
// not roll back because a side-channel write failed.
func publishBuildStatus(
	ctx context.Context,
	logger log.Logger,
	publisher *eventbus.Publisher,
	audit *derivcache.Cache,
	sink statusSink,
	write func(ctx context.Context) error,
	buildID uuid.UUID,
	status model.BuildStatus,
) error {
	fromStatus, evaluationID, _ := sink.BuildStatusByID(ctx, buildID)

	if err := write(ctx); err != nil {
		return err
	}

	if publisher != nil {
		ev := eventbus.StatusEvent{
			Kind:         "build",
			ID:           buildID.String(),
			EvaluationID: evaluationID.String(),
			Status:       string(status),
			Timestamp:    time.Now().UTC(),
		}

		if err := publisher.Publish(ctx, ev); err != nil {
			logger.Warnf("publish build status event for %s: %v", buildID, err)
		}
	}

	if audit != nil && status.IsTerminal() {
		ev := derivcache.AuditEvent{
			BuildID:      buildID,
			EvaluationID: evaluationID,
			FromStatus:   string(fromStatus),
			ToStatus:     string(status),
		}

		if err := audit.RecordAuditEvent(ctx, ev); err != nil {
			logger.Warnf("record audit event for build %s: %v", buildID, err)
		}
	}

	return nil
}

func publishEvaluationStatus(
	ctx context.Context,
	logger log.Logger,
	publisher *eventbus.Publisher,
	write func(ctx context.Context) error,
	evaluationID uuid.UUID,
	status model.EvaluationStatus,
) error {
	if err := write(ctx); err != nil {
		return err
	}

	if publisher != nil {
		ev := eventbus.StatusEvent{
			Kind:      "evaluation",
			ID:        evaluationID.String(),
			Status:    string(status),
			Timestamp: time.Now().UTC(),
		}

		if err := publisher.Publish(ctx, ev); err != nil {
			logger.Warnf("publish evaluation status event for %s: %v", evaluationID, err)
		}
	}

	return nil
}

// buildRepository decorates build.Repository so every status write
// the build scheduler makes also fans out to the event bus (and, for
// build terminal transitions, the audit trail).
type buildRepository struct {
	build.Repository
	store     statusSink
	publisher *eventbus.Publisher
	audit     *derivcache.Cache
	logger    log.Logger
}

func (r *buildRepository) UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error {
	return publishBuildStatus(ctx, r.logger, r.publisher, r.audit, r.store, func(ctx context.Context) error {
		return r.Repository.UpdateBuildStatus(ctx, buildID, status)
	}, buildID, status)
}

func (r *buildRepository) UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error {
	return publishEvaluationStatus(ctx, r.logger, r.publisher, func(ctx context.Context) error {
		return r.Repository.UpdateEvaluationStatus(ctx, evaluationID, status, errMsg)
	}, evaluationID, status)
}

// evaluationRepository decorates evaluation.Repository the same way,
// for the status writes the evaluation scheduler itself makes.
type evaluationRepository struct {
	evaluation.Repository
	store     statusSink
	publisher *eventbus.Publisher
	logger    log.Logger
}

func (r *evaluationRepository) UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error {
	return publishEvaluationStatus(ctx, r.logger, r.publisher, func(ctx context.Context) error {
		return r.Repository.UpdateEvaluationStatus(ctx, evaluationID, status, errMsg)
	}, evaluationID, status)
}

func (r *evaluationRepository) UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error {
	return publishBuildStatus(ctx, r.logger, r.publisher, nil, r.store, func(ctx context.Context) error {
		return r.Repository.UpdateBuildStatus(ctx, buildID, status)
	}, buildID, status)
}
