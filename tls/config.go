//go:build linux || darwin

package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alfmep/iomultiplex"
)

// Config carries the TLS/DTLS knobs named in spec.md §6: ca_file, ca_path,
// cert_file, privkey_file, cipher_list, cipher_suites, min_tls_ver,
// max_tls_ver, min_dtls_ver, max_dtls_ver, sni, verify_peer.
//
// Zero values pick the documented defaults: the platform trust store for
// CAFile/CAPath, peer verification enabled for clients and disabled for
// servers (both via VerifyPeer's *bool), and the standard library's
// default min/max protocol versions.
type Config struct {
	CAFile      string
	CAPath      string
	CertFile    string
	PrivKeyFile string

	// CipherList is the legacy OpenSSL-style colon-separated cipher name
	// list. crypto/tls has no equivalent knob for TLS 1.2 and below (the
	// stdlib always negotiates from its own fixed, security-reviewed
	// suite list); CipherList is accepted for API parity with spec.md §6
	// but is otherwise inert — use CipherSuites to actually constrain
	// negotiation.
	CipherList string

	// CipherSuites restricts TLS 1.0-1.2 suite negotiation to this list
	// (tls.CipherSuiteID values). TLS 1.3 suites are not configurable in
	// crypto/tls and this field is ignored for a 1.3-only negotiation.
	CipherSuites []uint16

	MinTLSVer uint16 // tls.VersionTLS10 .. VersionTLS13, 0 = stdlib default
	MaxTLSVer uint16

	// MinDTLSVer/MaxDTLSVer are accepted for API completeness (spec.md
	// §6) but are otherwise unused: see the package doc comment for why
	// this adapter does not implement a conformant DTLS record layer.
	MinDTLSVer uint16
	MaxDTLSVer uint16

	SNI string

	// VerifyPeer overrides the default peer-verification policy
	// (enabled for clients, disabled for servers). nil means "use the
	// default for the handshake's role".
	VerifyPeer *bool
}

// buildTLSConfig translates Config into a *tls.Config for the given role,
// per spec.md §4.8's "Configure a TLS context per the config" bullet.
// Session renegotiation is left at its stdlib default of disabled
// (tls.RenegotiateNever is the zero value), matching "Disable session
// renegotiation."
func buildTLSConfig(cfg Config, isServer bool) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion: cfg.MinTLSVer,
		MaxVersion: cfg.MaxTLSVer,
		ServerName: cfg.SNI,
	}
	if len(cfg.CipherSuites) > 0 {
		out.CipherSuites = cfg.CipherSuites
	}

	verify := !isServer
	if cfg.VerifyPeer != nil {
		verify = *cfg.VerifyPeer
	}

	pool, havePool, err := buildCertPool(cfg.CAFile, cfg.CAPath)
	if err != nil {
		return nil, err
	}

	if isServer {
		if verify {
			out.ClientAuth = tls.RequireAndVerifyClientCert
			if havePool {
				out.ClientCAs = pool
			}
		} else {
			out.ClientAuth = tls.NoClientCert
		}
	} else {
		if havePool {
			out.RootCAs = pool
		}
		out.InsecureSkipVerify = !verify
	}

	if cfg.CertFile != "" || cfg.PrivKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.PrivKeyFile)
		if err != nil {
			return nil, &iomultiplex.EngineError{Kind: iomultiplex.ErrTLSProtocol, Op: "tls-config", Message: "load certificate/key", Cause: err}
		}
		out.Certificates = []tls.Certificate{cert}
	}

	return out, nil
}

// buildCertPool loads CAFile (a single PEM bundle) and/or CAPath (a
// directory of PEM files) into an *x509.CertPool. Both empty reports
// havePool=false so the caller leaves RootCAs/ClientCAs nil, which makes
// crypto/tls fall back to the platform trust store for client
// verification — spec.md §6's "platform defaults when both empty".
func buildCertPool(caFile, caPath string) (*x509.CertPool, bool, error) {
	if caFile == "" && caPath == "" {
		return nil, false, nil
	}
	pool := x509.NewCertPool()
	loaded := false

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, false, &iomultiplex.EngineError{Kind: iomultiplex.ErrTLSProtocol, Op: "tls-config", Message: "read ca_file", Cause: err}
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, false, &iomultiplex.EngineError{Kind: iomultiplex.ErrTLSProtocol, Op: "tls-config", Message: fmt.Sprintf("no certificates found in %s", caFile)}
		}
		loaded = true
	}

	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			return nil, false, &iomultiplex.EngineError{Kind: iomultiplex.ErrTLSProtocol, Op: "tls-config", Message: "read ca_path", Cause: err}
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(caPath, ent.Name()))
			if err != nil {
				continue
			}
			if pool.AppendCertsFromPEM(pem) {
				loaded = true
			}
		}
	}

	return pool, loaded, nil
}
