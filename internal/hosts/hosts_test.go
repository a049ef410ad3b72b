package hosts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCanonicalizesDomains(t *testing.T) {
	entries := []Entry{{Domain: "Example.COM", Realm: "example.com realm"}}
	tbl, err := Build(entries, nil)
	require.NoError(t, err)
	h, ok := tbl.Lookup("example.com")
	require.True(t, ok)
	assert.Equal(t, "example.com realm", h.Realm)
}

func TestLookupNormalizesCase(t *testing.T) {
	tbl, err := Build([]Entry{{Domain: "example.com"}}, nil)
	require.NoError(t, err)
	_, ok := tbl.Lookup("EXAMPLE.COM")
	assert.True(t, ok, "expected Lookup to canonicalize before indexing")
}

func TestServesNormalizesCase(t *testing.T) {
	tbl, err := Build([]Entry{{Domain: "example.com"}}, nil)
	require.NoError(t, err)
	assert.True(t, tbl.Serves("EXAMPLE.COM"))
	assert.False(t, tbl.Serves("other.example"))
}

func TestBuildLoadsTLSIdentity(t *testing.T) {
	called := false
	loadCert := func(certFile, caFile string) (Identity, error) {
		called = true
		assert.Equal(t, "cert.pem", certFile)
		assert.Equal(t, "ca.pem", caFile)
		return Identity{}, nil
	}
	entries := []Entry{{Domain: "example.com", CertFile: "cert.pem", CAFile: "ca.pem", VerifyMode: "require"}}
	tbl, err := Build(entries, loadCert)
	require.NoError(t, err)
	assert.True(t, called)
	h, _ := tbl.Lookup("example.com")
	assert.True(t, h.HasTLS)
	assert.Equal(t, VerifyRequired, h.TLS.VerifyMode)
}

func TestDomainsListsAll(t *testing.T) {
	tbl, err := Build([]Entry{{Domain: "a.example"}, {Domain: "b.example"}}, nil)
	require.NoError(t, err)
	assert.Len(t, tbl.Domains(), 2)
}
