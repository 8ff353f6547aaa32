// services/api-gateway/client/grpc.go
package client

import (
	"fmt"

	gp "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/payflow/internal/grpcserver"
)

// GRPC holds the connections the API gateway keeps to backend services.
type GRPC struct {
	Ledger *grpcserver.LedgerClient
	conns  []*grpc.ClientConn
}

func dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(gp.UnaryClientInterceptor),
	)
}

// NewGRPC connects lazily; the first call establishes the connection.
func NewGRPC(ledgerAddr string) (*GRPC, error) {
	lc, err := dial(ledgerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial ledger %s: %w", ledgerAddr, err)
	}
	return &GRPC{
		Ledger: grpcserver.NewLedgerClient(lc),
		conns:  []*grpc.ClientConn{lc},
	}, nil
}

func (g *GRPC) Close() {
	for _, c := range g.conns {
		_ = c.Close()
	}
}
