package securechannel

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
)

// testParams keep Argon2id cheap in tests.
var testParams = WithParams(Params{Time: 1, MemoryKiB: 64, Threads: 1})

func seal(t *testing.T, plain []byte, key Key, opts ...Option) []byte {
	t.Helper()
	out, err := EncryptBytes(plain, key, append([]Option{testParams}, opts...)...)
	require.NoError(t, err)
	return out
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	key := NewKey("passphrase-from-pem")
	const chunk = 64
	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 17}
	for _, n := range sizes {
		plain := randomBytes(t, n)
		sealed := seal(t, plain, key, WithChunkSize(chunk))

		got, err := DecryptBytes(sealed, key)
		require.NoError(t, err, "size %d", n)
		assert.True(t, bytes.Equal(plain, got), "size %d: plaintext mismatch", n)
	}
}

func TestRoundTrip_DefaultChunk(t *testing.T) {
	key := NewKey("k")
	plain := randomBytes(t, 2*DefaultChunkSize+5)
	got, err := DecryptBytes(seal(t, plain, key), key)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestEncrypt_FreshSaltAndNonce(t *testing.T) {
	key := NewKey("k")
	a := seal(t, []byte("same"), key)
	b := seal(t, []byte("same"), key)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKey(t *testing.T) {
	sealed := seal(t, []byte("lung volume"), NewKey("key-one"))
	var dst bytes.Buffer
	err := Decrypt(&dst, bytes.NewReader(sealed), NewKey("key-two"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCrypto))
	assert.Zero(t, dst.Len(), "no plaintext may be released on failure")
}

func TestDecrypt_Tampering(t *testing.T) {
	key := NewKey("k")
	plain := randomBytes(t, 200)
	sealed := seal(t, plain, key, WithChunkSize(64))
	sealedChunk := 64 + 16

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flip body bit", func(b []byte) []byte { b[headerSize+5] ^= 1; return b }},
		{"flip header param", func(b []byte) []byte { b[len(magic)+3] ^= 1; return b }},
		{"flip salt", func(b []byte) []byte { b[len(magic)+10] ^= 0x80; return b }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"short header", func(b []byte) []byte { return b[:headerSize-1] }},
		{"header only", func(b []byte) []byte { return b[:headerSize] }},
		{"drop final chunk", func(b []byte) []byte { return b[:headerSize+3*sealedChunk] }},
		{"cut mid chunk", func(b []byte) []byte { return b[:len(b)-5] }},
		{"trailing data", func(b []byte) []byte { return append(b, 0) }},
		{"swap chunks", func(b []byte) []byte {
			c0 := append([]byte(nil), b[headerSize:headerSize+sealedChunk]...)
			copy(b[headerSize:], b[headerSize+sealedChunk:headerSize+2*sealedChunk])
			copy(b[headerSize+sealedChunk:], c0)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.mutate(append([]byte(nil), sealed...))
			_, err := DecryptBytes(in, key)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindCrypto), "got %v", err)
		})
	}
}

func TestDecrypt_MissingFinalChunkMessage(t *testing.T) {
	key := NewKey("k")
	sealed := seal(t, randomBytes(t, 130), key, WithChunkSize(64))
	_, err := DecryptBytes(sealed[:headerSize+2*(64+16)], key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated")
}

func TestDecrypt_RejectsOversizedParams(t *testing.T) {
	h := &header{params: Params{Time: 1, MemoryKiB: maxMemoryKiB + 1, Threads: 1}, chunkSize: 64}
	_, err := DecryptBytes(h.marshal(), NewKey("k"))
	assert.True(t, errs.IsKind(err, errs.KindCrypto))

	h = &header{params: Params{Time: 1, MemoryKiB: 64, Threads: 1}, chunkSize: maxChunkSize + 1}
	_, err = DecryptBytes(h.marshal(), NewKey("k"))
	assert.True(t, errs.IsKind(err, errs.KindCrypto))
}

func TestEncrypt_InvalidOptions(t *testing.T) {
	key := NewKey("k")
	_, err := EncryptBytes([]byte("x"), key, WithParams(Params{Time: 0, MemoryKiB: 64, Threads: 1}))
	assert.True(t, errs.IsKind(err, errs.KindCrypto))

	_, err = EncryptBytes([]byte("x"), key, testParams, WithChunkSize(0))
	assert.True(t, errs.IsKind(err, errs.KindCrypto))

	_, err = EncryptBytes([]byte("x"), Key{}, testParams)
	assert.True(t, errs.IsKind(err, errs.KindCrypto))

	_, err = DecryptBytes([]byte("x"), Key{})
	assert.True(t, errs.IsKind(err, errs.KindCrypto))
}

func TestEncrypt_RandFailure(t *testing.T) {
	_, err := EncryptBytes([]byte("x"), NewKey("k"), testParams, WithRand(bytes.NewReader(nil)))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCrypto))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestEncrypt_SourceFailure(t *testing.T) {
	err := Encrypt(io.Discard, failingReader{}, NewKey("k"), testParams)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindFileSystem))
}

func TestFileHelpers(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	key := NewKey("k")
	plain := randomBytes(t, 500)
	require.NoError(t, fsys.WriteFile("temp/u.npy", plain, 0600))

	enc, err := EncryptFile(fsys, "temp/u.npy", "temp/u.npy.enc", key, testParams, WithChunkSize(128))
	require.NoError(t, err)
	assert.Equal(t, "temp/u.npy.enc", enc)

	dec, err := DecryptFile(fsys, enc, "temp/u.out", key)
	require.NoError(t, err)
	got, err := fsys.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = DecryptFile(fsys, enc, "temp/bad.out", NewKey("other"))
	assert.True(t, errs.IsKind(err, errs.KindCrypto))
	assert.False(t, fsys.Exists("temp/bad.out"), "failed decrypt must not write output")

	_, err = EncryptFile(fsys, "temp/missing", "temp/x.enc", key, testParams)
	assert.True(t, errs.IsKind(err, errs.KindFileSystem))
}
