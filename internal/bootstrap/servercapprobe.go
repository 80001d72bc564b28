package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/servercap"
)

// serverCapPool lazily dials and reuses one servercap.Connection per
// builder host, since reserveServer runs this probe on every poll
// cycle and redialing a gRPC channel per call would defeat the point
// of a capability check meant to be cheap.
type serverCapPool struct {
	logger log.Logger

	mu    sync.Mutex
	conns map[string]*servercap.Connection
}

func newServerCapPool(logger log.Logger) *serverCapPool {
	return &serverCapPool{logger: logger, conns: make(map[string]*servercap.Connection)}
}

func (p *serverCapPool) connection(addr string) *servercap.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[addr]; ok {
		return conn
	}

	conn := &servercap.Connection{Addr: addr, Logger: p.logger}
	p.conns[addr] = conn

	return conn
}

// probe reports whether server is reachable and, if it advertises any
// architecture/feature list at all, whether it actually reports the
// architecture and features the Server row claims. A probe failure
// (unreachable host, RPC error) is treated as "not eligible this
// cycle" rather than aborting the build — the server may simply be
// mid-restart.
func (p *serverCapPool) probe(ctx context.Context, server model.Server) bool {
	addr := fmt.Sprintf("%s:%d", server.Host, server.Port)

	resp, err := p.connection(addr).Probe(ctx)
	if err != nil {
		p.logger.Warnf("servercap probe %s: %v", addr, err)
		return false
	}

	if !resp.Healthy {
		return false
	}

	if len(resp.Architectures) > 0 && !anyMatches(resp.Architectures, server.Architectures) {
		p.logger.Warnf("servercap probe %s: reports architectures %v, server row expects %v", addr, resp.Architectures, server.Architectures)
		return false
	}

	if len(resp.Features) > 0 {
		for _, want := range server.Features {
			if !anyMatches(resp.Features, []string{want}) {
				p.logger.Warnf("servercap probe %s: reports features %v, server row expects %v", addr, resp.Features, server.Features)
				return false
			}
		}
	}

	return true
}

// anyMatches reports whether any element of reported also appears in
// expected, used to tolerate a host that advertises a superset of
// what its Server row currently claims.
func anyMatches(reported, expected []string) bool {
	for _, r := range reported {
		for _, e := range expected {
			if r == e {
				return true
			}
		}
	}

	return false
}
