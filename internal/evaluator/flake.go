package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// DerivationCache caches the raw JSON `nix derivation show`/`path-info
// --derivation --json` emit for a derivation path, narrowed from
// derivcache.Cache, so re-evaluating an unchanged closure doesn't
// re-invoke the daemon for a derivation already seen (spec §6's
// "Derivation JSON" contract, SPEC_FULL.md's domain stack table).
type DerivationCache interface {
	Get(ctx context.Context, derivationPath string) (json string, ok bool, err error)
	Put(ctx context.Context, derivationPath, json string) error
}

// FlakeStart is the fixed set of well-known flake output roots a
// wildcard's first segment is matched against (spec §4.3.1's
// "FLAKE_START"). These are the attribute sets Nix flakes
// conventionally expose derivations and derivation-likes under.
var FlakeStart = []string{
	"packages",
	"legacyPackages",
	"checks",
	"devShells",
	"apps",
	"hydraJobs",
}

// FlakeRunner evaluates attributes of a pinned flake reference. The
// only implementation shells out to the configured `nix` binary,
// since flake evaluation has no Go-native substitute — it requires
// the actual Nix evaluator.
type FlakeRunner interface {
	// AttrNames returns builtins.attrNames of repository#attrPath.
	AttrNames(ctx context.Context, repository, attrPath string) ([]string, error)
	// AttrType returns the "type" attribute of repository#attrPath,
	// or "" if the attribute set has none.
	AttrType(ctx context.Context, repository, attrPath string) (string, error)
	// ResolveDerivation resolves repository#attrPath to its .drv store
	// path and the store paths it references directly.
	ResolveDerivation(ctx context.Context, repository, attrPath string) (drvPath string, references []string, err error)
	// Features extracts the build architecture ("system") and
	// requiredSystemFeatures from a resolved .drv path.
	Features(ctx context.Context, drvPath string) (system string, features []string, err error)
}

// execFlakeRunner shells out to the nix CLI, mirroring
// original_source/backend/builder/src/evaluator.rs's
// get_flake_derivations/get_derivation_cmd/get_features_cmd.
type execFlakeRunner struct {
	binpathNix string
	cache      DerivationCache
}

// NewExecFlakeRunner builds a FlakeRunner that shells out to the nix
// CLI. cache is optional (nil disables caching): when set, Features
// consults it before invoking `nix derivation show` and populates it
// afterwards, keyed by derivation path.
func NewExecFlakeRunner(binpathNix string, cache DerivationCache) FlakeRunner {
	return &execFlakeRunner{binpathNix: binpathNix, cache: cache}
}

func (r *execFlakeRunner) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binpathNix, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", r.binpathNix, strings.Join(args, " "), err, stderr.String())
	}

	return stdout.Bytes(), nil
}

func (r *execFlakeRunner) AttrNames(ctx context.Context, repository, attrPath string) ([]string, error) {
	out, err := r.run(ctx, "eval", fmt.Sprintf("%s#%s", repository, attrPath), "--apply", "builtins.attrNames", "--json")
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(out, &names); err != nil {
		return nil, fmt.Errorf("parse attrNames output: %w", err)
	}

	return names, nil
}

func (r *execFlakeRunner) AttrType(ctx context.Context, repository, attrPath string) (string, error) {
	out, err := r.run(ctx, "eval", fmt.Sprintf("%s#%s.type", repository, attrPath), "--json")
	if err != nil {
		return "", nil //nolint:nilerr // absent "type" attribute is not an error, per spec §4.3.1
	}

	var typ string
	if err := json.Unmarshal(out, &typ); err != nil {
		return "", nil
	}

	return typ, nil
}

func (r *execFlakeRunner) ResolveDerivation(ctx context.Context, repository, attrPath string) (string, []string, error) {
	path := fmt.Sprintf("%s#%s", repository, attrPath)

	out, err := r.run(ctx, "path-info", "--json", "--derivation", path)
	if err != nil {
		return "", nil, err
	}

	var parsed map[string]struct {
		References []string `json:"references"`
	}

	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", nil, fmt.Errorf("parse path-info output: %w", err)
	}

	for drvPath, info := range parsed {
		return drvPath, info.References, nil
	}

	return "", nil, fmt.Errorf("nix path-info returned no derivation for %s", path)
}

// foldStructuredAttrs takes `nix derivation show`'s per-path env object
// and, when it carries the structuredAttrs `__json` escape hatch,
// returns the attribute map decoded from that JSON string instead, the
// same way the original evaluator does (spec's SUPPLEMENTED FEATURES:
// structuredAttrs -> __json folding). An env without `__json` is
// returned unchanged.
func foldStructuredAttrs(env map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	raw, ok := env["__json"]
	if !ok {
		return env, nil
	}

	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("parse __json wrapper: %w", err)
	}

	var folded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(inner), &folded); err != nil {
		return nil, fmt.Errorf("parse folded structuredAttrs: %w", err)
	}

	return folded, nil
}

// showDerivation returns `nix derivation show <drvPath>`'s raw JSON,
// consulting r.cache first and populating it on a cache miss so a
// later evaluation of the same unchanged closure skips the subprocess
// entirely for this derivation path.
func (r *execFlakeRunner) showDerivation(ctx context.Context, drvPath string) ([]byte, error) {
	if r.cache != nil {
		if cached, ok, err := r.cache.Get(ctx, drvPath); err == nil && ok {
			return []byte(cached), nil
		}
	}

	out, err := r.run(ctx, "derivation", "show", drvPath)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		// best-effort: a write failure just means the next evaluation
		// re-invokes the daemon for this derivation.
		_ = r.cache.Put(ctx, drvPath, string(out))
	}

	return out, nil
}

func (r *execFlakeRunner) Features(ctx context.Context, drvPath string) (string, []string, error) {
	out, err := r.showDerivation(ctx, drvPath)
	if err != nil {
		return "", nil, err
	}

	var parsed map[string]struct {
		Env map[string]json.RawMessage `json:"env"`
	}

	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", nil, fmt.Errorf("parse derivation show output: %w", err)
	}

	entry, ok := parsed[drvPath]
	if !ok {
		return "", nil, fmt.Errorf("nix derivation show returned no entry for %s", drvPath)
	}

	env, err := foldStructuredAttrs(entry.Env)
	if err != nil {
		return "", nil, err
	}

	var system string
	if raw, ok := env["system"]; ok {
		if err := json.Unmarshal(raw, &system); err != nil {
			return "", nil, fmt.Errorf("parse system attribute: %w", err)
		}
	}

	var features []string
	if raw, ok := env["requiredSystemFeatures"]; ok {
		if err := json.Unmarshal(raw, &features); err != nil {
			// requiredSystemFeatures is sometimes a space-separated
			// string rather than a JSON array in raw .drv env dumps.
			var asString string
			if err2 := json.Unmarshal(raw, &asString); err2 == nil {
				features = strings.Fields(asString)
			} else {
				return "", nil, fmt.Errorf("parse requiredSystemFeatures: %w", err)
			}
		}
	}

	return system, features, nil
}
