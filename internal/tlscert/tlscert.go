// Package tlscert mints an ephemeral self-signed certificate for
// deployments that have not supplied their own cert/key pair.
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// SelfSigned mints an ECDSA P-256 certificate valid for validFor
// for commonName, suitable for wrapping a raw listener with
// tls.Config.Certificates. It is meant for bootstrapping a server that
// has not been given an operator-issued certificate; clients that
// connect to it should use a pinned fingerprint or
// InsecureSkipVerify rather than relying on a public CA chain.
func SelfSigned(commonName string, validFor time.Duration) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "tlscert: generating key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "tlscert: generating serial number")
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
		DNSNames:     []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "tlscert: creating certificate")
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}

// LoadOrMint loads certFile/keyFile if both are set, otherwise mints a
// self-signed certificate valid for a year.
func LoadOrMint(certFile, keyFile, commonName string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "tlscert: loading certificate pair")
		}
		return cert, nil
	}
	return SelfSigned(commonName, 365*24*time.Hour)
}
