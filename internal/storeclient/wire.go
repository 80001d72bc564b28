package storeclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nix-community/go-nix/pkg/nar"
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"github.com/nix-community/go-nix/pkg/wire"

	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

// duplex is the minimal capability set the wire protocol needs: a
// byte-stream it can read from and write to, and a way to tear it
// down. net.Conn, an SSH session's stdio and a child process's pipes
// all satisfy it, which is what lets one implementation serve all
// three transports (spec §9).
type duplex interface {
	io.Reader
	io.Writer
	io.Closer
}

// operation is a daemon worker operation code. Values match the real
// Nix daemon worker protocol, as surfaced by
// nix-community/go-nix/pkg/daemon — this control plane only ever
// issues the narrow subset spec §4.1 names.
type operation uint64

const (
	opIsValidPath              operation = 1
	opQueryPathInfo            operation = 26
	opQueryValidPaths          operation = 31
	opNarFromPath              operation = 38
	opAddToStoreNar            operation = 39
	opQueryDerivationOutputMap operation = 41
	opEnsurePath               operation = 10
	opBuildPathsWithResults    operation = 46
)

const (
	clientMagic     uint64 = 0x6e697863 // "nixc"
	serverMagic     uint64 = 0x6478696f // "dxio"
	protocolVersion uint64 = 0x0125     // 1.37
)

// logMessageType tags a frame on the structured-logger stream the
// daemon multiplexes onto the same connection while an operation is
// in flight.
type logMessageType uint64

const (
	logLast          logMessageType = 0x616c7473
	logError         logMessageType = 0x63787470
	logNext          logMessageType = 0x6f6c6d67
	logStartActivity logMessageType = 0x53545254
	logStopActivity  logMessageType = 0x53544f50
	logResult        logMessageType = 0x52534c54
)

// maxStringSize bounds any single wire string/list read, mirroring
// the daemon's own sanity limit against a misbehaving peer.
const maxStringSize = 256 << 20

// wireStore implements Store by speaking the daemon worker protocol
// over any duplex byte stream.
type wireStore struct {
	mu     sync.Mutex
	conn   duplex
	r      *bufio.Reader
	w      *bufio.Writer
	logger log.Logger
}

func newWireStore(conn duplex, logger log.Logger) (*wireStore, error) {
	s := &wireStore{
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
		logger: logger,
	}

	if err := s.handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store handshake failed: %w", err)
	}

	return s, nil
}

// handshake performs the client side of the worker-protocol greeting:
// magic exchange followed by a protocol-version exchange. Older
// protocol versions negotiate additional obsolete fields (CPU
// affinity, reserve-space) that this control plane never needs to
// send, since every daemon it talks to is a modern nix-daemon.
func (s *wireStore) handshake() error {
	if err := wire.WriteUint64(s.w, clientMagic); err != nil {
		return err
	}

	if err := s.w.Flush(); err != nil {
		return err
	}

	peerMagic, err := wire.ReadUint64(s.r)
	if err != nil {
		return err
	}

	if peerMagic != serverMagic {
		return fmt.Errorf("unexpected daemon magic %x", peerMagic)
	}

	if _, err := wire.ReadUint64(s.r); err != nil { // daemon protocol version
		return err
	}

	if err := wire.WriteUint64(s.w, protocolVersion); err != nil {
		return err
	}

	return s.w.Flush()
}

func (s *wireStore) writeOp(op operation) error {
	return wire.WriteUint64(s.w, uint64(op))
}

func writeStrings(w io.Writer, items []string) error {
	if err := wire.WriteUint64(w, uint64(len(items))); err != nil {
		return err
	}

	for _, item := range items {
		if err := wire.WriteString(w, item); err != nil {
			return err
		}
	}

	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	n, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}

	out := make([]string, n)

	for i := range out {
		s, err := wire.ReadString(r, maxStringSize)
		if err != nil {
			return nil, err
		}

		out[i] = s
	}

	return out, nil
}

func readStringMap(r io.Reader) (map[string]string, error) {
	n, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, n)

	for i := uint64(0); i < n; i++ {
		k, err := wire.ReadString(r, maxStringSize)
		if err != nil {
			return nil, err
		}

		v, err := wire.ReadString(r, maxStringSize)
		if err != nil {
			return nil, err
		}

		out[k] = v
	}

	return out, nil
}

// skipLogFields discards a structured-log Fields list without
// surfacing its contents: this control plane only needs the envelope
// (activity/result ids, start/stop boundaries) to drive progress
// events, not the logger's internal per-field detail.
func skipLogFields(r io.Reader) error {
	n, err := wire.ReadUint64(r)
	if err != nil {
		return err
	}

	for i := uint64(0); i < n; i++ {
		tag, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		if tag == 0 {
			if _, err := wire.ReadUint64(r); err != nil {
				return err
			}
		} else {
			if _, err := wire.ReadString(r, maxStringSize); err != nil {
				return err
			}
		}
	}

	return nil
}

// processStderr drains the structured-logger stream the daemon
// multiplexes ahead of every operation's response, optionally
// forwarding progress to events, and returns once it reads the
// terminating logLast frame (or an error reported by the daemon
// itself via logError).
func processStderr(r io.Reader, events chan<- ProgressEvent) error {
	for {
		raw, err := wire.ReadUint64(r)
		if err != nil {
			return err
		}

		switch logMessageType(raw) {
		case logLast:
			return nil
		case logError:
			msg, err := wire.ReadString(r, maxStringSize)
			if err != nil {
				return err
			}

			return fmt.Errorf("daemon error: %s", msg)
		case logNext:
			msg, err := wire.ReadString(r, maxStringSize)
			if err != nil {
				return err
			}

			if events != nil {
				events <- ProgressEvent{Kind: ProgressMessage, Fields: map[string]string{"msg": msg}}
			}
		case logStartActivity:
			if _, err := wire.ReadUint64(r); err != nil { // activity id
				return err
			}

			if _, err := wire.ReadUint64(r); err != nil { // verbosity
				return err
			}

			if _, err := wire.ReadUint64(r); err != nil { // activity type
				return err
			}

			text, err := wire.ReadString(r, maxStringSize)
			if err != nil {
				return err
			}

			if err := skipLogFields(r); err != nil {
				return err
			}

			if _, err := wire.ReadUint64(r); err != nil { // parent id
				return err
			}

			if events != nil {
				events <- ProgressEvent{Kind: ProgressStart, Fields: map[string]string{"msg": text}}
			}
		case logStopActivity:
			if _, err := wire.ReadUint64(r); err != nil { // activity id
				return err
			}

			if events != nil {
				events <- ProgressEvent{Kind: ProgressStop}
			}
		case logResult:
			if _, err := wire.ReadUint64(r); err != nil { // activity id
				return err
			}

			if _, err := wire.ReadUint64(r); err != nil { // result type
				return err
			}

			if err := skipLogFields(r); err != nil {
				return err
			}

			if events != nil {
				events <- ProgressEvent{Kind: ProgressResult}
			}
		default:
			return fmt.Errorf("unrecognized log message type %x", raw)
		}
	}
}

func (s *wireStore) IsValidPath(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opIsValidPath); err != nil {
		return false, err
	}

	if err := wire.WriteString(s.w, path); err != nil {
		return false, err
	}

	if err := s.w.Flush(); err != nil {
		return false, err
	}

	if err := processStderr(s.r, nil); err != nil {
		return false, err
	}

	return wire.ReadBool(s.r)
}

func (s *wireStore) QueryPathInfo(ctx context.Context, path string) (*PathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opQueryPathInfo); err != nil {
		return nil, err
	}

	if err := wire.WriteString(s.w, path); err != nil {
		return nil, err
	}

	if err := s.w.Flush(); err != nil {
		return nil, err
	}

	if err := processStderr(s.r, nil); err != nil {
		return nil, err
	}

	found, err := wire.ReadBool(s.r)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	deriver, err := wire.ReadString(s.r, maxStringSize)
	if err != nil {
		return nil, err
	}

	narHash, err := wire.ReadString(s.r, maxStringSize)
	if err != nil {
		return nil, err
	}

	references, err := readStrings(s.r)
	if err != nil {
		return nil, err
	}

	if _, err := wire.ReadUint64(s.r); err != nil { // registration time
		return nil, err
	}

	narSize, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, err
	}

	if _, err := wire.ReadBool(s.r); err != nil { // ultimate
		return nil, err
	}

	if _, err := readStrings(s.r); err != nil { // sigs
		return nil, err
	}

	ca, err := wire.ReadString(s.r, maxStringSize)
	if err != nil {
		return nil, err
	}

	return &PathInfo{
		Path:           path,
		References:     references,
		NarHash:        narHash,
		NarSize:        int64(narSize),
		Deriver:        deriver,
		ContentAddress: ca,
	}, nil
}

func (s *wireStore) QueryDerivationOutputMap(ctx context.Context, drv string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opQueryDerivationOutputMap); err != nil {
		return nil, err
	}

	if err := wire.WriteString(s.w, drv); err != nil {
		return nil, err
	}

	if err := s.w.Flush(); err != nil {
		return nil, err
	}

	if err := processStderr(s.r, nil); err != nil {
		return nil, err
	}

	return readStringMap(s.r)
}

func (s *wireStore) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opQueryValidPaths); err != nil {
		return nil, err
	}

	if err := writeStrings(s.w, paths); err != nil {
		return nil, err
	}

	if err := wire.WriteBool(s.w, false); err != nil { // substitute-ok
		return nil, err
	}

	if err := s.w.Flush(); err != nil {
		return nil, err
	}

	if err := processStderr(s.r, nil); err != nil {
		return nil, err
	}

	return readStrings(s.r)
}

func (s *wireStore) AddToStoreNar(ctx context.Context, path string, info *PathInfo, narReader io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opAddToStoreNar); err != nil {
		return err
	}

	if err := wire.WriteString(s.w, path); err != nil {
		return err
	}

	narHash, ca := "", ""
	var references []string

	if info != nil {
		narHash, ca, references = info.NarHash, info.ContentAddress, info.References
	}

	if err := wire.WriteString(s.w, narHash); err != nil {
		return err
	}

	if err := writeStrings(s.w, references); err != nil {
		return err
	}

	if err := wire.WriteUint64(s.w, 0); err != nil { // registration time
		return err
	}

	if err := wire.WriteString(s.w, ca); err != nil {
		return err
	}

	if err := wire.WriteBool(s.w, false); err != nil { // repair
		return err
	}

	if err := wire.WriteBool(s.w, false); err != nil { // dontCheckSigs
		return err
	}

	// Stream the payload through go-nix's NAR reader/writer so the
	// framed body is always a structurally valid NAR archive, not an
	// opaque blob (GLOSSARY: NAR, the store's wire-level content
	// format).
	nw, err := nar.NewWriter(s.w)
	if err != nil {
		return err
	}

	nr, err := nar.NewReader(narReader)
	if err != nil {
		return err
	}

	for {
		hdr, err := nr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return err
		}

		if err := nw.WriteHeader(hdr); err != nil {
			return err
		}

		if hdr.Type == nar.TypeRegular {
			if _, err := io.Copy(nw, nr); err != nil {
				return err
			}
		}
	}

	if err := nw.Close(); err != nil {
		return err
	}

	if err := s.w.Flush(); err != nil {
		return err
	}

	return processStderr(s.r, nil)
}

func (s *wireStore) NarFromPath(ctx context.Context, path string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opNarFromPath); err != nil {
		return nil, err
	}

	if err := wire.WriteString(s.w, path); err != nil {
		return nil, err
	}

	if err := s.w.Flush(); err != nil {
		return nil, err
	}

	if err := processStderr(s.r, nil); err != nil {
		return nil, err
	}

	size, err := wire.ReadUint64(s.r)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (s *wireStore) EnsurePath(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeOp(opEnsurePath); err != nil {
		return err
	}

	if err := wire.WriteString(s.w, path); err != nil {
		return err
	}

	if err := s.w.Flush(); err != nil {
		return err
	}

	if err := processStderr(s.r, nil); err != nil {
		return err
	}

	_, err := wire.ReadUint64(s.r) // acknowledgement
	return err
}

func (s *wireStore) BuildPathsWithResults(ctx context.Context, specs []BuildSpec, mode BuildMode) (<-chan ProgressEvent, func() (map[string]BuildResult, error), error) {
	s.mu.Lock()

	paths := make([]string, len(specs))
	for i, spec := range specs {
		if len(spec.Outputs) == 0 {
			paths[i] = spec.DerivationPath + "!*"
		} else {
			paths[i] = spec.DerivationPath + "!" + joinOutputs(spec.Outputs)
		}
	}

	if err := s.writeOp(opBuildPathsWithResults); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	if err := writeStrings(s.w, paths); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	if err := wire.WriteUint64(s.w, uint64(mode)); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	if err := s.w.Flush(); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	events := make(chan ProgressEvent, 16)
	resultCh := make(chan map[string]BuildResult, 1)
	errCh := make(chan error, 1)

	go func() {
		defer s.mu.Unlock()
		defer close(events)

		if err := processStderr(s.r, events); err != nil {
			errCh <- err
			return
		}

		count, err := wire.ReadUint64(s.r)
		if err != nil {
			errCh <- err
			return
		}

		results := make(map[string]BuildResult, count)

		for i := uint64(0); i < count; i++ {
			derivedPath, err := wire.ReadString(s.r, maxStringSize)
			if err != nil {
				errCh <- err
				return
			}

			if _, err := wire.ReadUint64(s.r); err != nil { // build status
				errCh <- err
				return
			}

			errMsg, err := wire.ReadString(s.r, maxStringSize)
			if err != nil {
				errCh <- err
				return
			}

			if _, err := wire.ReadUint64(s.r); err != nil { // timesBuilt
				errCh <- err
				return
			}

			if _, err := wire.ReadBool(s.r); err != nil { // isNonDeterministic
				errCh <- err
				return
			}

			if _, err := wire.ReadUint64(s.r); err != nil { // startTime
				errCh <- err
				return
			}

			if _, err := wire.ReadUint64(s.r); err != nil { // stopTime
				errCh <- err
				return
			}

			outputs, err := readStringMap(s.r) // built output name -> store path
			if err != nil {
				errCh <- err
				return
			}

			outPath := ""
			for _, v := range outputs {
				outPath = v
				break
			}

			results[derivedPath] = BuildResult{OutputPath: outPath, Error: errMsg}
		}

		resultCh <- results
	}()

	finish := func() (map[string]BuildResult, error) {
		select {
		case res := <-resultCh:
			return res, nil
		case err := <-errCh:
			return nil, err
		}
	}

	return events, finish, nil
}

func (s *wireStore) Close() error {
	return s.conn.Close()
}

func joinOutputs(outputs []string) string {
	out := ""
	for i, o := range outputs {
		if i > 0 {
			out += ","
		}

		out += o
	}

	return out
}

// EncodeBase32 renders a raw hash digest using Nix's own base-32
// alphabet, used when computing the NarHash/FileHash text forms of
// §6's per-path info format.
func EncodeBase32(digest []byte) string {
	return nixbase32.EncodeToString(digest)
}
