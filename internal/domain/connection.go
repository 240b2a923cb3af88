package domain

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Connection holds gRPC connection settings for one target
type Connection struct {
	Address string
	UseTLS  bool
	Timeout time.Duration

	// TLS configuration
	TLS TLSSettings
}

// TLSSettings holds detailed TLS configuration
type TLSSettings struct {
	ServerName string // Expected server name, defaults to the target host
	SkipVerify bool   // Skip TLS certificate verification (insecure)
}

// ParseTarget turns a user-supplied target into connection settings.
//
// Accepted forms:
//   - http://host[:port]   plaintext, port defaults to 80
//   - https://host[:port]  TLS, port defaults to 443
//   - host:443             TLS
//   - host:port            plaintext
func ParseTarget(target string) (Connection, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Connection{}, fmt.Errorf("target is required")
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil {
			return Connection{}, fmt.Errorf("invalid target %q: %w", target, err)
		}
		host := u.Hostname()
		if host == "" {
			return Connection{}, fmt.Errorf("invalid target %q: missing host", target)
		}
		useTLS := u.Scheme == "https"
		port := u.Port()
		if port == "" {
			port = "80"
			if useTLS {
				port = "443"
			}
		}
		return Connection{
			Address: net.JoinHostPort(host, port),
			UseTLS:  useTLS,
			TLS:     TLSSettings{ServerName: host},
		}, nil
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return Connection{}, fmt.Errorf("invalid target %q: missing port", target)
	}
	if port == "" {
		return Connection{}, fmt.Errorf("invalid target %q: missing port", target)
	}

	return Connection{
		Address: target,
		UseTLS:  port == "443",
		TLS:     TLSSettings{ServerName: host},
	}, nil
}
