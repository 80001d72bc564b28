package storeclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"

	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

// DialUnix connects to a local daemon over a UNIX domain socket. Used
// for the system-shared store (spec §4.1).
func DialUnix(ctx context.Context, socketPath string, logger log.Logger) (Store, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial local store %s: %w", socketPath, err)
	}

	return newWireStore(conn, logger)
}

// childDuplex adapts a subprocess's stdin/stdout pipes into the
// duplex capability set the wire protocol needs.
type childDuplex struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *childDuplex) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *childDuplex) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *childDuplex) Close() error {
	stdinErr := c.stdin.Close()
	stdoutErr := c.stdout.Close()

	if err := c.cmd.Wait(); err != nil {
		return err
	}

	if stdinErr != nil {
		return stdinErr
	}

	return stdoutErr
}

// DialChildProcess spawns a dedicated per-organization store daemon
// as a co-process and speaks the protocol over its stdio, per spec
// §4.1's "local child process (a dedicated per-organization store)".
func DialChildProcess(ctx context.Context, binPath string, args []string, logger log.Logger) (Store, error) {
	cmd := exec.CommandContext(ctx, binPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start store child process: %w", err)
	}

	return newWireStore(&childDuplex{cmd: cmd, stdin: stdin, stdout: stdout}, logger)
}
