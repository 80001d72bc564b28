// Package storeclient wraps the derivation-daemon wire protocol for
// both a local daemon (UNIX socket or co-process) and a remote daemon
// (reached through an authenticated SSH channel), per spec §4.1 and
// §9 ("a single interface with two concrete implementations").
//
// Callers never construct wire messages directly; they call the
// narrow operation set below and the transport-specific Store
// implementation handles framing.
package storeclient

import (
	"context"
	"io"
)

// PathInfo is what the daemon reports for a valid store path.
type PathInfo struct {
	Path           string
	References     []string
	NarHash        string // "<algo>:<base32>"
	NarSize        int64
	Deriver        string
	ContentAddress string // empty when not content-addressed
}

// ProgressKind distinguishes the event variants streamed back by
// BuildPathsWithResults.
type ProgressKind int

const (
	ProgressStart ProgressKind = iota
	ProgressStop
	ProgressMessage
	ProgressResult
)

// ProgressEvent is one message from the build progress stream.
type ProgressEvent struct {
	Kind   ProgressKind
	Fields map[string]string // textual fields: {"msg": "..."} for Message and Start; Stop and Result events carry no fields
}

// BuildResult carries the daemon's realisation for one output of a
// build-paths-with-results call.
type BuildResult struct {
	OutputPath string
	Error      string // empty iff success
}

// BuildMode selects how aggressively the daemon should (re)build.
type BuildMode int

const (
	BuildModeNormal BuildMode = iota
	BuildModeRepair
	BuildModeCheck
)

// BuildSpec names one derivation (or a specific subset of its
// outputs) to build.
type BuildSpec struct {
	DerivationPath string
	Outputs        []string // empty means "all outputs"
}

// Store is the narrow operation set the control plane consumes from
// the derivation daemon, regardless of transport.
type Store interface {
	IsValidPath(ctx context.Context, path string) (bool, error)
	QueryPathInfo(ctx context.Context, path string) (*PathInfo, error)
	QueryDerivationOutputMap(ctx context.Context, drv string) (map[string]string, error)
	QueryValidPaths(ctx context.Context, paths []string) ([]string, error)
	AddToStoreNar(ctx context.Context, path string, info *PathInfo, nar io.Reader) error
	NarFromPath(ctx context.Context, path string) (io.ReadCloser, error)
	EnsurePath(ctx context.Context, path string) error
	BuildPathsWithResults(ctx context.Context, specs []BuildSpec, mode BuildMode) (<-chan ProgressEvent, func() (map[string]BuildResult, error), error)

	Close() error
}
