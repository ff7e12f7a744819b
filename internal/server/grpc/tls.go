package grpcserver

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// TLSConfig names the PEM files used for mutual TLS between peers. The
// certificate's DNS names must cover this server's federation name.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func (c TLSConfig) Enabled() bool { return c.CertFile != "" }

func (c TLSConfig) load() (tls.Certificate, *x509.CertPool, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("federation tls: %w", err)
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("federation tls: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return tls.Certificate{}, nil, errors.New("federation tls: no certificates in " + c.CAFile)
	}
	return cert, pool, nil
}

// ServerOptions returns the transport options for the federation listener.
// Without TLS it returns nil and the listener stays plaintext.
func ServerOptions(c TLSConfig) ([]grpc.ServerOption, error) {
	if !c.Enabled() {
		return nil, nil
	}
	cert, pool, err := c.load()
	if err != nil {
		return nil, err
	}
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	})
	return []grpc.ServerOption{grpc.Creds(creds)}, nil
}

// DialOptions is the client side of ServerOptions.
func DialOptions(c TLSConfig) ([]grpc.DialOption, error) {
	if !c.Enabled() {
		return nil, nil
	}
	cert, pool, err := c.load()
	if err != nil {
		return nil, err
	}
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	})
	return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
}
