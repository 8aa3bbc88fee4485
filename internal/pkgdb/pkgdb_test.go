package pkgdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripVersion(t *testing.T) {
	assert := assert.New(t)
	cases := map[string]string{
		"aeson-2.1.0.0":        "aeson",
		"http-client-0.7.13.1": "http-client",
		"base-4.18.0.0":        "base",
		"bytestring":           "bytestring",
	}
	for in, want := range cases {
		assert.Equal(want, stripVersion(in), "stripVersion(%q)", in)
	}
}
