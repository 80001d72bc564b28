// Package sourceprobe queries a project's remote repository for its
// current commit and human-readable commit metadata (spec §4.2).
//
// Transport is go-git (github.com/go-git/go-git/v5), the library the
// retrieval pack already uses for this exact job
// (inful-docbuilder/internal/git), rather than shelling out to a git
// binary: an in-memory remote listing replaces `git ls-remote`, and a
// depth-1 in-memory clone replaces `git show -s`.
package sourceprobe

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

// LastEvaluation carries just what check_updates needs from the
// project's most recent evaluation, so this package stays free of any
// dependency on the data store.
type LastEvaluation struct {
	Status model.EvaluationStatus
	Commit [20]byte
}

// CommitInfo is the human-readable attribution of a commit.
type CommitInfo struct {
	Subject     string
	AuthorEmail string
	AuthorName  string
}

// Probe queries remote repositories over git. The zero value is
// usable; Logger is optional.
type Probe struct {
	Logger log.Logger
}

func New(logger log.Logger) *Probe {
	return &Probe{Logger: logger}
}

// CheckUpdates implements spec §4.2's check_updates contract: it
// returns has_update=true when the remote HEAD differs from the
// hash recorded on the last terminal evaluation, or when
// forceEvaluate is set; when last is itself non-terminal it returns
// false (with a zero hash) before querying the remote at all (that is
// the guard against concurrent evaluation of the same project).
func (p *Probe) CheckUpdates(ctx context.Context, project *model.Project, auth auth, last *LastEvaluation, forceEvaluate bool) (bool, [20]byte, error) {
	if last != nil && !last.Status.IsTerminal() {
		return false, [20]byte{}, nil
	}

	remoteHash, err := p.resolveHead(ctx, project.Repository, auth)
	if err != nil {
		return false, [20]byte{}, err
	}

	if forceEvaluate {
		return true, remoteHash, nil
	}

	if last != nil && last.Commit == remoteHash {
		return false, remoteHash, nil
	}

	return true, remoteHash, nil
}

// auth is the narrow shape this package needs from the decrypted
// organization credentials; it is satisfied by *sshkeys material
// wrapped in transport.AuthMethod by the caller, or nil for
// unauthenticated (plain HTTP/HTTPS) repositories.
type auth = transport.AuthMethod

// NewSSHAuth builds a go-git SSH AuthMethod from a decrypted OpenSSH
// private key, for repository URLs using an SSH-style scheme.
func NewSSHAuth(user string, privateKeyPEM []byte) (transport.AuthMethod, error) {
	return gitssh.NewPublicKeys(user, privateKeyPEM, "")
}

// IsSSHURL reports whether url uses an SSH-style scheme (ssh://,
// git+ssh://, or the scp-like user@host:path form), per spec §4.2.
func IsSSHURL(url string) bool {
	if strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "git+ssh://") {
		return true
	}

	// scp-like syntax: user@host:path, with no "://" before the colon.
	if idx := strings.Index(url, "@"); idx > 0 {
		rest := url[idx+1:]
		if strings.Contains(rest, ":") && !strings.Contains(url, "://") {
			return true
		}
	}

	return false
}

func (p *Probe) resolveHead(ctx context.Context, repoURL string, a auth) ([20]byte, error) {
	remote := git.NewRemote(memory.NewStorage(), &gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})

	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: a})
	if err != nil {
		return [20]byte{}, fmt.Errorf("list remote refs for %s: %w", repoURL, err)
	}

	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			target, err := resolveSymbolic(refs, ref)
			if err != nil {
				return [20]byte{}, err
			}

			return hashToBytes(target.Hash())
		}
	}

	return [20]byte{}, fmt.Errorf("no HEAD reference reported by %s", repoURL)
}

func resolveSymbolic(refs []*plumbing.Reference, head *plumbing.Reference) (*plumbing.Reference, error) {
	if head.Type() == plumbing.HashReference {
		return head, nil
	}

	target := head.Target()

	for _, ref := range refs {
		if ref.Name() == target {
			return ref, nil
		}
	}

	return nil, fmt.Errorf("could not resolve symbolic HEAD target %s", target)
}

func hashToBytes(h plumbing.Hash) ([20]byte, error) {
	var out [20]byte

	decoded, err := hex.DecodeString(h.String())
	if err != nil || len(decoded) != 20 {
		return out, fmt.Errorf("malformed commit hash %q", h.String())
	}

	copy(out[:], decoded)

	return out, nil
}

// GetCommitInfo retrieves human-readable commit attribution via a
// depth-1 in-memory clone. Failures are non-fatal per spec §4.2: the
// caller gets zero-value fields instead of an error.
func (p *Probe) GetCommitInfo(ctx context.Context, repoURL string, commit [20]byte, a auth) CommitInfo {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, &git.CloneOptions{
		URL:   repoURL,
		Auth:  a,
		Depth: 1,
	})
	if err != nil {
		p.logWarn("shallow clone for commit info failed: %v", err)
		return CommitInfo{}
	}

	hash := plumbing.NewHash(hex.EncodeToString(commit[:]))

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		// A depth-1 clone only carries HEAD's history; a commit that
		// isn't HEAD won't resolve. Non-fatal per spec.
		p.logWarn("commit object %s not found in shallow clone: %v", hash, err)
		return CommitInfo{}
	}

	subject := commitObj.Message
	if idx := strings.IndexByte(subject, '\n'); idx >= 0 {
		subject = subject[:idx]
	}

	return CommitInfo{
		Subject:     subject,
		AuthorEmail: commitObj.Author.Email,
		AuthorName:  commitObj.Author.Name,
	}
}

func (p *Probe) logWarn(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Warnf(format, args...)
	}
}

// RepositoryURLToNix rewrites a plain repository URL plus a resolved
// commit hash into the pinned reference the evaluator hands to the
// flake evaluation, per spec §8 P8:
//
//	ssh://host/p        + hash -> git+ssh://host/p?rev=<hash>
//	user@host:p (scp)   + hash -> user@host:p?rev=<hash>
//	http(s)://host/p    + hash -> git+http(s)://host/p?rev=<hash>
func RepositoryURLToNix(url, commitHash string) (string, error) {
	if len(commitHash) != 40 {
		return "", fmt.Errorf("commit hash must be 40 characters long, got %d", len(commitHash))
	}

	if strings.Contains(url, "file://") || strings.HasPrefix(url, "file") {
		return "", fmt.Errorf("URLs pointing to local files are not allowed")
	}

	if strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		url = "git+" + url
	}

	return fmt.Sprintf("%s?rev=%s", url, commitHash), nil
}

// CheckRepositoryURLIsSSH reports whether a nix-rewritten repository
// reference uses the git+ssh scheme.
func CheckRepositoryURLIsSSH(url string) bool {
	return strings.HasPrefix(url, "git+ssh://")
}

// VecToHex renders a commit hash as lowercase hex (spec §8 P6).
func VecToHex(v []byte) string {
	return hex.EncodeToString(v)
}

// HexToVec parses a lowercase hex commit hash back to bytes (spec §8 P6).
func HexToVec(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("invalid hex string")
	}

	return hex.DecodeString(s)
}
