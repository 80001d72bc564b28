// Package servercap is a small gRPC-based capability probe the build
// scheduler runs against a builder host ahead of reservation,
// confirming liveness and the architecture/feature set a server
// advertises in the data store actually matches what it reports of
// itself. Grounded on common/mgrpc/grpc.go's connection-struct idiom;
// the service itself has no teacher analogue (the source's equivalent
// check is a plain SSH connect), so its RPC shape is new, built in the
// same client/server idiom.
package servercap

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

const serviceName = "gradient.servercap.ServerCapability"

const probeMethod = "/" + serviceName + "/Probe"

// ProbeRequest asks a builder host to report its current capability.
type ProbeRequest struct{}

// ProbeResponse is the builder host's self-reported capability,
// compared by the caller against the Server row's Architectures /
// Features columns before trusting a reservation.
type ProbeResponse struct {
	Architectures []string `json:"architectures"`
	Features      []string `json:"features"`
	Healthy       bool     `json:"healthy"`
}

// Prober is implemented by whatever runs on the builder host side
// (out of scope for this control-plane module, but the interface the
// server half registers against).
type Prober interface {
	Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Prober)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Probe",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(ProbeRequest)
				if err := dec(req); err != nil {
					return nil, err
				}

				if interceptor == nil {
					return srv.(Prober).Probe(ctx, req)
				}

				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: probeMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(Prober).Probe(ctx, req.(*ProbeRequest))
				}

				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterServerCapabilityServer registers impl on s, mirroring the
// protoc-generated RegisterXxxServer functions this package can't
// generate without protoc.
func RegisterServerCapabilityServer(s *grpc.Server, impl Prober) {
	s.RegisterService(&serviceDesc, impl)
}

// Connection is a hub dealing with gRPC connections to a builder
// host, the same singleton-dial shape as the teacher's
// mgrpc.GRPCConnection.
type Connection struct {
	Addr   string
	Logger log.Logger

	conn *grpc.ClientConn
}

func (c *Connection) Connect(ctx context.Context) error {
	conn, err := grpc.NewClient(c.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial servercap at %s: %w", c.Addr, err)
	}

	c.conn = conn

	c.Logger.Infof("connected to servercap at %s", c.Addr)

	return nil
}

func (c *Connection) client(ctx context.Context) (*grpc.ClientConn, error) {
	if c.conn == nil {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return c.conn, nil
}

func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// defaultProbeTimeout bounds how long the build scheduler waits on a
// single server's capability probe before treating it as ineligible
// for this poll cycle.
const defaultProbeTimeout = 5 * time.Second

// Probe calls Probe on the remote builder host, used by the build
// scheduler as an extra liveness/feature-match check layered on top
// of the Server row's stored Architectures/Features (spec §4.5 step
// 2), catching a server whose row is stale relative to its actual
// running capability.
func (c *Connection) Probe(ctx context.Context) (*ProbeResponse, error) {
	conn, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()

	resp := new(ProbeResponse)

	err = conn.Invoke(ctx, probeMethod, &ProbeRequest{}, resp, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return nil, fmt.Errorf("probe server capability: %w", err)
	}

	return resp, nil
}
