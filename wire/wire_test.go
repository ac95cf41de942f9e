package wire_test

import (
	"bytes"
	"testing"

	"github.com/featurebasedb/pagestore"
	"github.com/featurebasedb/pagestore/errors"
	"github.com/featurebasedb/pagestore/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompression(t *testing.T) {
	page := bytes.Repeat([]byte("page"), 1024)

	enc, err := wire.Compress(wire.CompressionZstd, page)
	require.NoError(t, err)
	assert.Less(t, len(enc), len(page))
	dec, err := wire.Decompress(wire.CompressionZstd, enc)
	require.NoError(t, err)
	assert.Equal(t, page, dec)

	same, err := wire.Compress(wire.CompressionNone, page)
	require.NoError(t, err)
	assert.Equal(t, page, same)

	_, err = wire.Decompress(wire.CompressionZstd, []byte("not zstd"))
	assert.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)
}

func TestParseCompression(t *testing.T) {
	c, err := wire.ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, wire.CompressionNone, c)

	c, err = wire.ParseCompression(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, wire.CompressionZstd, c)

	_, err = wire.ParseCompression("lz4")
	assert.True(t, errors.Is(err, pagestore.ErrMalformed), "got %v", err)
}

func TestAccepts(t *testing.T) {
	assert.True(t, wire.Accepts("gzip, zstd;q=0.9", wire.CompressionZstd))
	assert.True(t, wire.Accepts("ZSTD", wire.CompressionZstd))
	assert.False(t, wire.Accepts("gzip, deflate", wire.CompressionZstd))
	assert.False(t, wire.Accepts("", wire.CompressionZstd))
}
