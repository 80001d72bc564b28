// Package model holds the entities of the control-plane data model
// (spec §3): organizations, projects, commits, evaluations, builds and
// their dependency edges, build outputs, servers, caches and features.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EvaluationStatus is the lifecycle state of an Evaluation.
type EvaluationStatus string

const (
	EvaluationQueued     EvaluationStatus = "queued"
	EvaluationEvaluating EvaluationStatus = "evaluating"
	EvaluationBuilding   EvaluationStatus = "building"
	EvaluationCompleted  EvaluationStatus = "completed"
	EvaluationFailed     EvaluationStatus = "failed"
	EvaluationAborted    EvaluationStatus = "aborted"
)

// IsTerminal reports whether the status admits no further transitions
// on its own (a new Evaluation must be created to continue).
func (s EvaluationStatus) IsTerminal() bool {
	switch s {
	case EvaluationCompleted, EvaluationFailed, EvaluationAborted:
		return true
	default:
		return false
	}
}

// BuildStatus is the lifecycle state of a Build.
type BuildStatus string

const (
	BuildCreated   BuildStatus = "created"
	BuildQueued    BuildStatus = "queued"
	BuildBuilding  BuildStatus = "building"
	BuildCompleted BuildStatus = "completed"
	BuildFailed    BuildStatus = "failed"
	BuildAborted   BuildStatus = "aborted"
)

// IsTerminal reports whether the status is one of the three sticky
// terminal states (Completed, Failed, Aborted).
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case BuildCompleted, BuildFailed, BuildAborted:
		return true
	default:
		return false
	}
}

// Organization owns projects, servers and caches, and carries the
// identity keypair used to authenticate against builder hosts and to
// sign cache artifacts (spec §3).
type Organization struct {
	ID             uuid.UUID
	Name           string
	PublicKey      string // "<algorithm> <key>" OpenSSH format
	PrivateKey     string // secretbox-sealed, base64
	UseSharedStore bool
	CreatedAt      time.Time
}

// IdentityString returns the deploy-key label for this organization,
// in "<algorithm public-key> <organization-id>" form.
func (o Organization) IdentityString() string {
	return o.PublicKey + " " + o.ID.String()
}

// Project points at a source repository and a wildcard selection.
type Project struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Repository     string
	Wildcard       string
	LastCheckAt    time.Time
	LastEvaluation *uuid.UUID
	ForceEvaluate  bool
	Active         bool
}

// Commit is an immutable repository snapshot reference.
type Commit struct {
	ID          uuid.UUID
	Hash        [20]byte
	Message     string
	AuthorEmail string
	AuthorName  string
	CreatedAt   time.Time
}

// Evaluation is one attempt to expand a project's wildcard into a
// build graph and drive it to completion.
type Evaluation struct {
	ID         uuid.UUID
	ProjectID  *uuid.UUID // nil for a direct build
	Repository string     // repository reference at evaluation time (e.g. "git+https://...?rev=...")
	CommitID   uuid.UUID
	Wildcard   string
	Status     EvaluationStatus
	Previous   *uuid.UUID
	Next       *uuid.UUID
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Build is a single derivation's dispatch unit within an evaluation.
type Build struct {
	ID             uuid.UUID
	EvaluationID   uuid.UUID
	DerivationPath string
	Architecture   string
	RequiredFeatures []string
	Status         BuildStatus
	ServerID       *uuid.UUID
	Log            string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BuildDependency is a directed edge: Build requires Dependency to be
// Completed before it may start.
type BuildDependency struct {
	ID           uuid.UUID
	BuildID      uuid.UUID
	DependencyID uuid.UUID
}

// BuildOutput is one output produced by a completed build.
type BuildOutput struct {
	ID         uuid.UUID
	BuildID    uuid.UUID
	Name       string // output name, e.g. "out"
	StorePath  string
	Hash       string // Nix content hash of the store path, base32
	Package    string // derived package name component of the store path
	FileHash   *string
	FileSize   *uint32
	IsCached   bool
	CA         *string // content-addressed descriptor, when present
	CreatedAt  time.Time
}

// BuildOutputSignature is a detached signature over a BuildOutput's
// store path, produced by one cache's signing key.
type BuildOutputSignature struct {
	ID            uuid.UUID
	BuildOutputID uuid.UUID
	CacheID       uuid.UUID
	Signature     string
	CreatedAt     time.Time
}

// Server is a remote builder host reachable over SSH.
type Server struct {
	ID               uuid.UUID
	OrganizationID   uuid.UUID
	Host             string
	Port             int
	User             string
	LastConnectionAt time.Time
	Active           bool
	Architectures    []string
	Features         []string
}

// SupportsArchitecture reports whether arch matches one of the
// server's declared architectures or the BUILTIN sentinel.
func (s Server) SupportsArchitecture(arch string) bool {
	for _, a := range s.Architectures {
		if a == arch || a == "BUILTIN" {
			return true
		}
	}

	return false
}

// HasFeatures reports whether the server's feature set is a superset
// of required.
func (s Server) HasFeatures(required []string) bool {
	have := make(map[string]struct{}, len(s.Features))
	for _, f := range s.Features {
		have[f] = struct{}{}
	}

	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}

	return true
}

// Cache is a binary cache an organization publishes signed artifacts
// through.
type Cache struct {
	ID                uuid.UUID
	Priority          int
	EncryptedSigningKey string
	Active            bool
}

// OrganizationCache is the subscription join row between an
// organization and a cache.
type OrganizationCache struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	CacheID        uuid.UUID
}

// Feature is a shared lookup row referenced by both build requirements
// and server capabilities.
type Feature struct {
	ID   uuid.UUID
	Name string
}
