package grpc

import (
	"context"
	"crypto/tls"

	"github.com/shhac/grotto-bridge/internal/domain"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// transportCredentials selects TLS or plaintext for cfg.
func transportCredentials(cfg domain.Connection) credentials.TransportCredentials {
	if !cfg.UseTLS {
		return insecure.NewCredentials()
	}
	return credentials.NewTLS(&tls.Config{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.SkipVerify, //nolint:gosec // opt-in per target
		MinVersion:         tls.VersionTLS12,
	})
}

// authCredentials attaches a fixed authorization header to every RPC.
type authCredentials struct {
	header string
}

func (c authCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": c.header}, nil
}

// RequireTransportSecurity is false so credentials also reach plaintext
// targets, which is the common case for local testing.
func (c authCredentials) RequireTransportSecurity() bool {
	return false
}
