package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/xraysignals/errors"
	"github.com/c360/xraysignals/pkg/security"
)

// writeTestCert writes a self-signed localhost certificate and its key and
// returns their paths.
func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestLoadServerTLSConfig_ClientCerts(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile,
		ClientCAFiles: []string{certFile}, RequireClientCert: true,
	})
	require.NoError(t, err)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)

	cfg, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{certFile},
	})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
}

func TestLoadServerTLSConfig_Errors(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	_, err := LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent.pem", KeyFile: keyFile})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFiles: []string{keyFile},
	})
	require.Error(t, err)
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CAFiles: []string{certFile}})
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	cfg, err = LoadClientTLSConfig(security.ClientTLSConfig{
		Enabled: true, CertFile: certFile, KeyFile: keyFile, InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.True(t, cfg.InsecureSkipVerify)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CertFile: certFile})
	require.Error(t, err)

	_, err = LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CAFiles: []string{"/nonexistent.pem"}})
	require.Error(t, err)
}

func TestHandshake(t *testing.T) {
	certFile, keyFile := writeTestCert(t)

	serverCfg, err := LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	clientCfg, err := LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CAFiles: []string{certFile}})
	require.NoError(t, err)
	clientCfg.ServerName = "localhost"

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}

func TestSecurityValidate(t *testing.T) {
	assert.NoError(t, security.ServerTLSConfig{}.Validate())
	assert.Error(t, security.ServerTLSConfig{Enabled: true, CertFile: "c"}.Validate())
	assert.Error(t, security.ServerTLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", RequireClientCert: true}.Validate())
	assert.Error(t, security.ServerTLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.1"}.Validate())
	assert.NoError(t, security.ClientTLSConfig{Enabled: true}.Validate())
	assert.Error(t, security.ClientTLSConfig{Enabled: true, KeyFile: "k"}.Validate())
}
