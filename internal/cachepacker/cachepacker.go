// Package cachepacker signs and packs completed build outputs into
// the binary caches an organization publishes to, grounded on
// original_source/backend/cache/src/cacher.rs's
// cache_loop/cache_build_output/sign_build_output/pack_build_output.
package cachepacker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nix-community/go-nix/pkg/narinfo"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/sshkeys"
)

const pollInterval = 5 * time.Second

// Repository is the persistence port this packer drives.
type Repository interface {
	// NextUncachedOutput returns the oldest BuildOutput with
	// IsCached=false, ordered by its owning build's created_at, or
	// ok=false if none are pending (cacher.rs's get_next_build_output).
	NextUncachedOutput(ctx context.Context) (output model.BuildOutput, ok bool, err error)

	// CachesForBuildOutput walks Build -> Evaluation -> Project ->
	// Organization -> OrganizationCache -> Cache, returning every
	// active cache the output's organization publishes to.
	CachesForBuildOutput(ctx context.Context, buildOutputID uuid.UUID) ([]model.Cache, error)

	InsertBuildOutputSignature(ctx context.Context, sig model.BuildOutputSignature) error

	MarkBuildOutputCached(ctx context.Context, buildOutputID uuid.UUID, fileHash string, fileSize uint32) error
}

// Config tunes subprocess paths and the on-disk cache layout.
type Config struct {
	BasePath    string
	BinpathNix  string
	BinpathZstd string
	CryptSecret [32]byte
}

// Packer drives cache_loop's Go equivalent.
type Packer struct {
	Repo   Repository
	Cfg    Config
	Logger log.Logger
}

// Run blocks until ctx is cancelled, continually packing and signing
// newly-completed build outputs.
func (p *Packer) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		output, ok, err := p.Repo.NextUncachedOutput(ctx)
		if err != nil {
			p.Logger.Errorf("find next uncached build output: %v", err)
		} else if ok {
			p.cacheBuildOutput(ctx, output)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cacheBuildOutput is cache_build_output: sign the output for every
// active cache its organization subscribes to, then pack it once.
func (p *Packer) cacheBuildOutput(ctx context.Context, output model.BuildOutput) {
	logger := p.Logger.WithFields("build_output_id", output.ID, "store_path", output.StorePath)

	caches, err := p.Repo.CachesForBuildOutput(ctx, output.ID)
	if err != nil {
		logger.Errorf("load caches for build output: %v", err)
		return
	}

	var signatures []narinfo.Signature

	for _, cache := range caches {
		if !cache.Active {
			continue
		}

		sig, err := p.signBuildOutput(ctx, cache, output)
		if err != nil {
			logger.Errorf("sign build output for cache %s: %v", cache.ID, err)
			continue
		}

		signatures = append(signatures, narinfo.Signature{Name: cache.ID.String(), Digest: sig})
	}

	fileHash, fileSize, err := p.packBuildOutput(ctx, output)
	if err != nil {
		logger.Errorf("pack build output: %v", err)
		return
	}

	if err := p.writeNarinfo(ctx, output, fileHash, fileSize, signatures); err != nil {
		logger.Errorf("write narinfo: %v", err)
	}

	if err := p.Repo.MarkBuildOutputCached(ctx, output.ID, fileHash, fileSize); err != nil {
		logger.Errorf("mark build output cached: %v", err)
	}
}

// signBuildOutput is sign_build_output: materialize the cache's
// signing key to a temp file, shell out to `nix store sign`, persist
// the resulting detached signature, and return its raw text so the
// caller can fold it into the output's .narinfo.
func (p *Packer) signBuildOutput(ctx context.Context, cache model.Cache, output model.BuildOutput) (string, error) {
	keyPEM, err := sshkeys.Open(p.Cfg.CryptSecret, cache.EncryptedSigningKey)
	if err != nil {
		return "", fmt.Errorf("decrypt signing key: %w", err)
	}

	keyFile, err := sshkeys.WriteTemp(p.Cfg.BasePath, keyPEM)
	if err != nil {
		return "", fmt.Errorf("write signing key: %w", err)
	}
	defer sshkeys.Clear(keyFile)

	cmd := exec.CommandContext(ctx, p.Cfg.BinpathNix, "store", "sign", "-k", keyFile, output.StorePath)

	stdout, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("nix store sign: %w", err)
	}

	digest := strings.TrimSpace(string(stdout))

	sig := model.BuildOutputSignature{
		ID:            uuid.New(),
		BuildOutputID: output.ID,
		CacheID:       cache.ID,
		Signature:     digest,
		CreatedAt:     time.Now(),
	}

	if err := p.Repo.InsertBuildOutputSignature(ctx, sig); err != nil {
		return "", err
	}

	return digest, nil
}

// packBuildOutput is pack_build_output: pack the store path to a NAR,
// compress it with zstd, and hash the compressed file, returning the
// base32 hash and compressed size recorded on the BuildOutput row.
func (p *Packer) packBuildOutput(ctx context.Context, output model.BuildOutput) (fileHash string, fileSize uint32, err error) {
	hash, _ := hashAndPackageFromPath(output.StorePath)

	tmpLocation := cacheNarLocation(p.Cfg.BasePath, hash, false)
	finalLocation := cacheNarLocation(p.Cfg.BasePath, hash, true)

	tmpFile, err := os.Create(tmpLocation)
	if err != nil {
		return "", 0, fmt.Errorf("create temp nar file: %w", err)
	}

	packCmd := exec.CommandContext(ctx, p.Cfg.BinpathNix, "nar", "pack", output.StorePath)
	packCmd.Stdout = tmpFile

	packErr := packCmd.Run()
	tmpFile.Close()

	if packErr != nil {
		os.Remove(tmpLocation)
		return "", 0, fmt.Errorf("nix nar pack: %w", packErr)
	}

	compressCmd := exec.CommandContext(ctx, p.Cfg.BinpathZstd, "-T0", "-q", "-19", tmpLocation, "-o", finalLocation)
	if err := compressCmd.Run(); err != nil {
		os.Remove(tmpLocation)
		return "", 0, fmt.Errorf("zstd compress: %w", err)
	}

	if err := os.Remove(tmpLocation); err != nil {
		return "", 0, fmt.Errorf("remove temp nar file: %w", err)
	}

	hashCmd := exec.CommandContext(ctx, p.Cfg.BinpathNix, "hash", "file", "--base32", finalLocation)

	hashOut, err := hashCmd.Output()
	if err != nil {
		return "", 0, fmt.Errorf("nix hash file: %w", err)
	}

	info, err := os.Stat(finalLocation)
	if err != nil {
		return "", 0, fmt.Errorf("stat packed file: %w", err)
	}

	return strings.TrimSpace(string(hashOut)), uint32(info.Size()), nil
}

// cacheNarLocation mirrors get_cache_nar_location: the compressed or
// raw NAR for a store path's hash lives under
// "<base>/<hash[0:2]>/<hash[2:]>.nar[.zst]", sharded by the first two
// hash characters to avoid a single flat directory of millions of
// files.
func cacheNarLocation(basePath, hash string, compressed bool) string {
	dir := fmt.Sprintf("%s/%s", basePath, hash[0:2])
	_ = os.MkdirAll(dir, 0o755)

	suffix := ""
	if compressed {
		suffix = ".zst"
	}

	return fmt.Sprintf("%s/%s.nar%s", dir, hash[2:], suffix)
}

// nixPathInfo is the subset of `nix path-info --json`'s per-path
// object writeNarinfo needs to fill in a narinfo.NarInfo's
// reference/hash/deriver fields, which packBuildOutput's own pack and
// hash subprocesses don't produce.
type nixPathInfo struct {
	NarHash    string   `json:"narHash"`
	NarSize    uint64   `json:"narSize"`
	References []string `json:"references"`
	Deriver    string   `json:"deriver"`
	CA         string   `json:"ca"`
}

func (p *Packer) queryPathInfo(ctx context.Context, storePath string) (nixPathInfo, error) {
	cmd := exec.CommandContext(ctx, p.Cfg.BinpathNix, "path-info", "--json", storePath)

	out, err := cmd.Output()
	if err != nil {
		return nixPathInfo{}, fmt.Errorf("nix path-info: %w", err)
	}

	var parsed map[string]nixPathInfo
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nixPathInfo{}, fmt.Errorf("parse path-info output: %w", err)
	}

	info, ok := parsed[storePath]
	if !ok {
		return nixPathInfo{}, fmt.Errorf("nix path-info returned no entry for %s", storePath)
	}

	return info, nil
}

// writeNarinfo renders the spec's "Derivation JSON"-adjacent cache
// artifact metadata — the per-path `.narinfo` text block (StorePath,
// URL, Compression, FileHash, FileSize, NarHash, NarSize, References,
// Deriver, Sig, CA) — via go-nix's narinfo.NarInfo, and writes it
// alongside the packed NAR at the same sharded cacheNarLocation path.
func (p *Packer) writeNarinfo(ctx context.Context, output model.BuildOutput, fileHash string, fileSize uint32, signatures []narinfo.Signature) error {
	info, err := p.queryPathInfo(ctx, output.StorePath)
	if err != nil {
		return err
	}

	hash, _ := hashAndPackageFromPath(output.StorePath)

	ni := &narinfo.NarInfo{
		StorePath:   output.StorePath,
		URL:         fmt.Sprintf("nar/%s.nar.zst", hash),
		Compression: "zstd",
		FileHash:    "sha256:" + fileHash,
		FileSize:    uint64(fileSize),
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  info.References,
		Deriver:     info.Deriver,
		CA:          info.CA,
		Signatures:  signatures,
	}

	narinfoPath := strings.TrimSuffix(cacheNarLocation(p.Cfg.BasePath, hash, true), ".nar.zst") + ".narinfo"

	return os.WriteFile(narinfoPath, []byte(ni.String()), 0o644)
}

// hashAndPackageFromPath splits a Nix store path's base name
// "<hash>-<name>" into its two components. Grounded on the same
// store-path convention as internal/scheduler/build's helper of the
// same name; get_hash_from_path's own definition is absent from the
// retrieved source tree (see DESIGN.md).
func hashAndPackageFromPath(storePath string) (hash, pkg string) {
	base := storePath
	if idx := strings.LastIndexByte(storePath, '/'); idx >= 0 {
		base = storePath[idx+1:]
	}

	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return base, ""
	}

	return base[:idx], base[idx+1:]
}
