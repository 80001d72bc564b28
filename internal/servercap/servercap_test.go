package servercap

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeProber struct {
	resp *ProbeResponse
}

func (f *fakeProber) Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	return f.resp, nil
}

func TestProbe_RoundTripsOverJSONCodec(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() { lis.Close() })

	srv := grpc.NewServer()
	RegisterServerCapabilityServer(srv, &fakeProber{resp: &ProbeResponse{
		Architectures: []string{"x86_64-linux"},
		Features:      []string{"big-parallel"},
		Healthy:       true,
	}})

	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	resp := new(ProbeResponse)
	err = conn.Invoke(context.Background(), probeMethod, &ProbeRequest{}, resp, grpc.CallContentSubtype(jsonCodecName))
	require.NoError(t, err)

	require.True(t, resp.Healthy)
	require.Equal(t, []string{"x86_64-linux"}, resp.Architectures)
	require.Equal(t, []string{"big-parallel"}, resp.Features)
}
