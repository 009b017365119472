package comm

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

type GRPCClient struct {
	// TLS configuration used by the grpc.ClientConn
	tlsConfig *tls.Config
	// Options for setting up new connections
	dialOpts []grpc.DialOption
	// Duration for which to block while establishing a new connection
	timeout time.Duration
}

// NewGRPCClient creates a new GRPCClient given a client configuration
func NewGRPCClient(config ClientConfig) (*GRPCClient, error) {
	tlsConfig, err := config.SecOpts.TLSConfig()
	if err != nil {
		return nil, err
	}

	return &GRPCClient{
		tlsConfig: tlsConfig,
		dialOpts:  config.DialOptions(),
		timeout:   config.Timeout,
	}, nil
}

type TLSOption func(tlsConfig *tls.Config)

// ServerNameOverride sets the host name used to verify the server certificate
func ServerNameOverride(name string) TLSOption {
	return func(tlsConfig *tls.Config) {
		tlsConfig.ServerName = name
	}
}

// TLSEnabled reports whether connections are made over TLS
func (client *GRPCClient) TLSEnabled() bool {
	return client.tlsConfig != nil
}

// NewConnection returns a grpc.ClientConn for the target address. The
// connection is established lazily, so an unreachable endpoint surfaces as
// an error on its first call rather than here.
func (client *GRPCClient) NewConnection(address string, tlsOptions ...TLSOption) (*grpc.ClientConn, error) {
	var dialOpts []grpc.DialOption
	dialOpts = append(dialOpts, client.dialOpts...)

	if client.tlsConfig != nil {
		tlsConfig := client.tlsConfig.Clone()
		for _, opt := range tlsOptions {
			opt(tlsConfig)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	ctx := context.Background()
	if client.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, client.timeout)
		defer cancel()
	}

	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create new connection to %s", address)
	}
	return conn, nil
}
