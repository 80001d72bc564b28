package storeclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nix-community/go-nix/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*wireStore, net.Conn) {
	t.Helper()

	client, server := net.Pipe()

	serverDone := make(chan struct{})

	go func() {
		defer close(serverDone)

		magic, err := wire.ReadUint64(server)
		require.NoError(t, err)
		require.Equal(t, clientMagic, magic)

		require.NoError(t, wire.WriteUint64(server, serverMagic))
		require.NoError(t, wire.WriteUint64(server, protocolVersion))

		peerVersion, err := wire.ReadUint64(server)
		require.NoError(t, err)
		require.Equal(t, protocolVersion, peerVersion)
	}()

	store, err := newWireStore(client, nil)
	require.NoError(t, err)

	<-serverDone

	return store, server
}

func TestHandshakeAndIsValidPath(t *testing.T) {
	store, server := newTestStore(t)
	defer store.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)

		op, err := wire.ReadUint64(server)
		require.NoError(t, err)
		require.Equal(t, uint64(opIsValidPath), op)

		path, err := wire.ReadString(server, maxStringSize)
		require.NoError(t, err)
		require.Equal(t, "/nix/store/abc-foo", path)

		require.NoError(t, wire.WriteUint64(server, uint64(logLast)))
		require.NoError(t, wire.WriteBool(server, true))
	}()

	valid, err := store.IsValidPath(context.Background(), "/nix/store/abc-foo")
	require.NoError(t, err)
	require.True(t, valid)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server goroutine did not complete")
	}
}

func TestProcessStderrSurfacesDaemonError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		wire.WriteUint64(server, uint64(logError))
		wire.WriteString(server, "build failed")
		server.Close()
	}()

	err := processStderr(client, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "build failed")
}
