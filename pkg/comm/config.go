package comm

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const (
	maxRecvMsgSize = 100 * 1024 * 1024
	maxSendMsgSize = 100 * 1024 * 1024
)

var defaultKeepaliveOptions = KeepaliveOptions{
	ClientInterval: time.Minute,
	ClientTimeout:  20 * time.Second,
}

// ClientConfig defines the parameters for configuring a GRPCClient instance
type ClientConfig struct {
	// SecOpts defines the security parameters
	SecOpts SecureOptions
	// KaOpts defines the keepalive parameters, defaults are used when nil
	KaOpts *KeepaliveOptions
	// Timeout bounds how long dialing may take
	Timeout time.Duration
	// Logger, when set, logs every call made over the connection
	Logger *log.Entry
}

// SecureOptions defines the TLS parameters of a client
type SecureOptions struct {
	// PEM-encoded X509 certificate presented when mutual TLS is required
	Certificate []byte
	// PEM-encoded private key matching Certificate
	Key []byte
	// PEM-encoded X509 authorities used to verify server certificates
	ServerRootCAs [][]byte
	// PEM-encoded X509 authorities the server uses to verify clients
	ClientRootCAs [][]byte
	UseTLS        bool
	// Whether the client must present a certificate
	RequireClientCert bool
}

// KeepaliveOptions is used to set the gRPC keepalive settings of a client
type KeepaliveOptions struct {
	ClientInterval time.Duration
	ClientTimeout  time.Duration
}

// TLSConfig returns nil when TLS is disabled
func (so SecureOptions) TLSConfig() (*tls.Config, error) {
	if !so.UseTLS {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(so.ServerRootCAs) > 0 {
		tlsConfig.RootCAs = x509.NewCertPool()
		for _, certBytes := range so.ServerRootCAs {
			if err := AddPemToCertPool(certBytes, tlsConfig.RootCAs); err != nil {
				return nil, errors.WithMessage(err, "error adding root certificate")
			}
		}
	}

	if so.RequireClientCert {
		if so.Key == nil || so.Certificate == nil {
			return nil, errors.New("both Key and Certificate are required when using mutual TLS")
		}
		cert, err := tls.X509KeyPair(so.Certificate, so.Key)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to load client certificate")
		}
		tlsConfig.Certificates = append(tlsConfig.Certificates, cert)
	}

	return tlsConfig, nil
}

// DialOptions returns the options shared by every connection of a client
func (cc ClientConfig) DialOptions() []grpc.DialOption {
	ka := defaultKeepaliveOptions
	if cc.KaOpts != nil {
		ka = *cc.KaOpts
	}

	dialOpts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                ka.ClientInterval,
			Timeout:             ka.ClientTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxRecvMsgSize),
			grpc.MaxCallSendMsgSize(maxSendMsgSize),
		),
	}

	if cc.Logger != nil {
		dialOpts = append(dialOpts,
			grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
				grpc_logrus.UnaryClientInterceptor(cc.Logger),
			)),
			grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
				grpc_logrus.StreamClientInterceptor(cc.Logger),
			)),
		)
	}

	return dialOpts
}

// AddPemToCertPool adds every certificate found in pemCerts to pool
func AddPemToCertPool(pemCerts []byte, pool *x509.CertPool) error {
	certs, err := pemToX509Certs(pemCerts)
	if err != nil {
		return err
	}
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return nil
}

func pemToX509Certs(pemCerts []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for len(pemCerts) > 0 {
		var block *pem.Block
		block, pemCerts = pem.Decode(pemCerts)
		if block == nil {
			break
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return certs, nil
}
