package toml_test

import (
	"testing"
	"time"

	"github.com/featurebasedb/pagestore/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration(t *testing.T) {
	var d toml.Duration
	require.NoError(t, d.Set("90s"))
	assert.Equal(t, toml.Duration(90*time.Second), d)
	assert.Equal(t, "1m30s", d.String())
	assert.Error(t, d.Set("soon"))

	b, err := d.MarshalTOML()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))
}

func TestByteSize(t *testing.T) {
	for _, tt := range []struct {
		in  string
		exp toml.ByteSize
	}{
		{"4096", 4096},
		{"64MB", 64 << 20},
		{"64mib", 64 << 20},
		{"2 G", 2 << 30},
		{"0", 0},
	} {
		got, err := toml.ParseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.exp, got, tt.in)
	}

	_, err := toml.ParseByteSize("-1")
	assert.Error(t, err)
	_, err = toml.ParseByteSize("lots")
	assert.Error(t, err)

	assert.Equal(t, "256MB", toml.ByteSize(256<<20).String())
	assert.Equal(t, "1000", toml.ByteSize(1000).String())
}
