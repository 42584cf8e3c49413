// Package dialer produces mutually-authenticated TLS connections to the
// push and feedback gateways, with a bounded retry policy.
//
// # mTLS
//
// The dialer loads three files at construction:
//   - CACertsFile: PEM-encoded CA bundle used to verify the gateway.
//   - CertFile: PEM-encoded client certificate presented to the gateway.
//   - KeyFile: PEM-encoded private key for the client certificate.
//
// # Retry policy
//
// Failures are classified and waited out differently: an address-resolution
// failure is retried after one second; a TLS failure is retried only after
// the caller's full retry interval, since it commonly indicates an
// authentication problem the gateway may rate-limit; any other failure is
// retried after roughly a tenth of the interval, at least one second.
//
// A retry interval of zero puts the dialer in probe mode: it attempts the
// connection exactly once and reports the failure to the caller, which is
// how boot verifies connectivity before committing any other resource.
package dialer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// failure classes for RetryDelay.
const (
	FailResolve = iota // address resolution
	FailTLS            // TLS handshake (possibly auth)
	FailOther          // anything else
)

// Dialer is a factory for authenticated TLS connections to a fixed set of
// credentials. It is safe for concurrent use; each push agent and the
// feedback agent share one.
type Dialer struct {
	tlsCfg *tls.Config
	logger *slog.Logger

	// netDialer enables TCP keepalive on every connection it produces.
	netDialer net.Dialer
}

// New loads the CA bundle, client certificate, and key from the given paths
// and returns a ready Dialer. Unreadable or unparseable credentials are a
// construction error; they would fail every subsequent dial.
func New(cacertsFile, certFile, keyFile string, logger *slog.Logger) (*Dialer, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("dialer: load client cert/key (%s, %s): %w", certFile, keyFile, err)
	}

	caPEM, err := os.ReadFile(cacertsFile)
	if err != nil {
		return nil, fmt.Errorf("dialer: read CA bundle %s: %w", cacertsFile, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("dialer: parse CA bundle %s: no certificates found", cacertsFile)
	}

	return &Dialer{
		tlsCfg: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS12,
		},
		logger: logger,
		netDialer: net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}, nil
}

// Dial connects to addr (host:port) over mutually-authenticated TLS.
//
// With retryInterval > 0, Dial keeps retrying with the package's
// classified backoff until it succeeds or ctx is cancelled; the only error
// it returns is ctx.Err(). With retryInterval == 0 (probe mode) it attempts
// exactly once and returns the attempt's error.
func (d *Dialer) Dial(ctx context.Context, addr string, retryInterval time.Duration) (net.Conn, error) {
	for {
		conn, class, err := d.dialOnce(ctx, addr)
		if err == nil {
			return conn, nil
		}

		d.logger.Error("cannot connect",
			slog.String("peer", addr),
			slog.Any("error", err),
		)

		if retryInterval == 0 {
			return nil, err
		}

		wait := RetryDelay(class, retryInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// dialOnce performs a single resolve → connect → handshake attempt and
// classifies any failure for the backoff policy.
func (d *Dialer) dialOnce(ctx context.Context, addr string) (net.Conn, int, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, FailResolve, fmt.Errorf("dialer: bad address %q: %w", addr, err)
	}

	raw, err := d.netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, FailResolve, fmt.Errorf("dialer: resolve %q: %w", addr, err)
		}
		return nil, FailOther, fmt.Errorf("dialer: connect %q: %w", addr, err)
	}

	cfg := d.tlsCfg.Clone()
	cfg.ServerName = host

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, FailTLS, fmt.Errorf("dialer: TLS handshake with %q: %w", addr, err)
	}

	return conn, 0, nil
}

// RetryDelay returns how long to wait before the next attempt after a
// failure of the given class, for the given retry interval.
//
// Exported so that unit tests can verify the backoff arithmetic directly.
func RetryDelay(class int, retryInterval time.Duration) time.Duration {
	switch class {
	case FailResolve:
		return time.Second
	case FailTLS:
		return retryInterval
	default:
		secs := (int64(retryInterval/time.Second) + 9) / 10
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second
	}
}
