package cert

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) Paths {
	dir := t.TempDir()
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca.crt"),
		CAKey:      filepath.Join(dir, "ca", "ca.key"),
		ServerCert: filepath.Join(dir, "server", "server.crt"),
		ServerKey:  filepath.Join(dir, "server", "server.key"),
	}
}

func TestEnsureGeneratesChain(t *testing.T) {
	paths := testPaths(t)

	require.NoError(t, Ensure(paths, Options{
		DomainNames: []string{"hub.factory.local"},
		IPAddresses: []net.IP{net.ParseIP("10.0.0.1")},
	}))

	ca, err := readCert(paths.CACert)
	require.NoError(t, err)
	assert.True(t, ca.IsCA)

	server, err := readCert(paths.ServerCert)
	require.NoError(t, err)
	assert.Equal(t, "hub.factory.local", server.Subject.CommonName)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err = server.Verify(x509.VerifyOptions{DNSName: "hub.factory.local", Roots: pool})
	assert.NoError(t, err)

	_, err = tls.LoadX509KeyPair(paths.ServerCert, paths.ServerKey)
	assert.NoError(t, err)

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureKeepsExistingFiles(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, Ensure(paths, Options{}))

	before, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)
	caBefore, err := os.ReadFile(paths.CACert)
	require.NoError(t, err)

	require.NoError(t, Ensure(paths, Options{}))

	after, _ := os.ReadFile(paths.ServerCert)
	caAfter, _ := os.ReadFile(paths.CACert)
	assert.Equal(t, before, after)
	assert.Equal(t, caBefore, caAfter)
}

func TestEnsureReissuesServerCertFromExistingCA(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, Ensure(paths, Options{}))
	caBefore, _ := os.ReadFile(paths.CACert)

	require.NoError(t, os.Remove(paths.ServerCert))
	require.NoError(t, Ensure(paths, Options{}))

	caAfter, _ := os.ReadFile(paths.CACert)
	assert.Equal(t, caBefore, caAfter)

	ca, err := readCert(paths.CACert)
	require.NoError(t, err)
	server, err := readCert(paths.ServerCert)
	require.NoError(t, err)
	assert.NoError(t, server.CheckSignatureFrom(ca))
	assert.Equal(t, defaultCN, server.Subject.CommonName)
}

func TestEnsureRejectsCorruptCA(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(paths.CACert), 0o755))
	require.NoError(t, os.WriteFile(paths.CACert, []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(paths.CAKey, []byte("junk"), 0o600))

	assert.Error(t, Ensure(paths, Options{}))
}
