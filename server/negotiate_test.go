package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNegotiateAcceptEncoding checks the three vectors spec.md §8 names,
// one of which is the no-header case.
func TestNegotiateAcceptEncoding(t *testing.T) {
	cases := []struct {
		name       string
		header     string
		uncomp     bool
		gzip       bool
		brotli     bool
	}{
		{name: "no header allows identity only", header: "", uncomp: true, gzip: false, brotli: false},
		{name: "identity disabled, br allowed", header: "identity;q=0, br", uncomp: false, gzip: false, brotli: true},
		{name: "wildcard with explicit overrides", header: "gzip, deflate, br;q=1, identity;q=0.5, *;q=0.25", uncomp: true, gzip: true, brotli: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			target := negotiateAcceptEncoding(c.header)
			assert.Equal(t, c.uncomp, target.Uncompressed, "uncompressed")
			assert.Equal(t, c.gzip, target.Gzip, "gzip")
			assert.Equal(t, c.brotli, target.Brotli, "brotli")
			assert.True(t, target.BestCompression)
		})
	}
}

func TestNegotiateAcceptEncodingUnknownTokenIgnored(t *testing.T) {
	target := negotiateAcceptEncoding("deflate, compress")
	assert.True(t, target.Uncompressed)
	assert.False(t, target.Gzip)
	assert.False(t, target.Brotli)
}

func TestNegotiateAcceptEncodingExplicitIdentityZero(t *testing.T) {
	target := negotiateAcceptEncoding("gzip;q=0, identity;q=0")
	assert.False(t, target.Uncompressed)
	assert.False(t, target.Gzip)
}
