// Package securechannel encrypts payloads exchanged with the inference
// service under a passphrase taken from a PEM file.
//
// Stream format:
//
//	magic "LSEGENC1" | argon2 time u32 | memory KiB u32 | threads u8 |
//	salt [16] | chunk size u32 | nonce prefix [16] | chunks...
//
// Each chunk is sealed with XChaCha20-Poly1305 under a 24-byte nonce of
// prefix || u64 counter, with the counter's high bit set on the final chunk.
// The header is the additional data of every chunk, so any header edit,
// reordering, truncation or trailing data fails authentication.
package securechannel

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/banshee-data/lungseg/internal/errs"
)

const (
	magic      = "LSEGENC1"
	saltSize   = 16
	prefixSize = 16
	headerSize = len(magic) + 4 + 4 + 1 + saltSize + 4 + prefixSize
	keySize    = chacha20poly1305.KeySize

	finalFlag = uint64(1) << 63

	// DefaultChunkSize is the plaintext size of every chunk but the last.
	DefaultChunkSize = 64 * 1024
	maxChunkSize     = 16 << 20
	maxMemoryKiB     = 1 << 20
)

// Params are the Argon2id cost parameters written into each stream header.
type Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultParams follow the RFC 9106 second recommended option, scaled to
// 64 MiB so the client runs on modest hardware.
var DefaultParams = Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

type options struct {
	params    Params
	chunkSize int
	rand      io.Reader
}

// Option configures Encrypt.
type Option func(*options)

// WithParams overrides the Argon2id cost parameters.
func WithParams(p Params) Option {
	return func(o *options) { o.params = p }
}

// WithChunkSize overrides the plaintext chunk size.
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithRand overrides the randomness source for salt and nonce prefix.
func WithRand(r io.Reader) Option {
	return func(o *options) { o.rand = r }
}

type header struct {
	params    Params
	salt      [saltSize]byte
	chunkSize uint32
	prefix    [prefixSize]byte
}

func (h *header) marshal() []byte {
	b := make([]byte, 0, headerSize)
	b = append(b, magic...)
	b = binary.BigEndian.AppendUint32(b, h.params.Time)
	b = binary.BigEndian.AppendUint32(b, h.params.MemoryKiB)
	b = append(b, h.params.Threads)
	b = append(b, h.salt[:]...)
	b = binary.BigEndian.AppendUint32(b, h.chunkSize)
	b = append(b, h.prefix[:]...)
	return b
}

func parseHeader(b []byte) (*header, error) {
	if !bytes.Equal(b[:len(magic)], []byte(magic)) {
		return nil, errors.New("not a lungseg ciphertext (bad magic)")
	}
	h := &header{}
	off := len(magic)
	h.params.Time = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.params.MemoryKiB = binary.BigEndian.Uint32(b[off:])
	off += 4
	h.params.Threads = b[off]
	off++
	copy(h.salt[:], b[off:])
	off += saltSize
	h.chunkSize = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(h.prefix[:], b[off:])

	if err := h.params.validate(); err != nil {
		return nil, err
	}
	if h.chunkSize == 0 || h.chunkSize > maxChunkSize {
		return nil, fmt.Errorf("chunk size %d out of range", h.chunkSize)
	}
	return h, nil
}

func (p Params) validate() error {
	if p.Time < 1 {
		return fmt.Errorf("argon2 time must be at least 1, got %d", p.Time)
	}
	if p.Threads < 1 {
		return fmt.Errorf("argon2 threads must be at least 1, got %d", p.Threads)
	}
	if p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxMemoryKiB {
		return fmt.Errorf("argon2 memory %d KiB out of range", p.MemoryKiB)
	}
	return nil
}

func newAEAD(key Key, h *header) (cipher.AEAD, error) {
	k := argon2.IDKey([]byte(key.passphrase), h.salt[:], h.params.Time, h.params.MemoryKiB, h.params.Threads, keySize)
	return chacha20poly1305.NewX(k)
}

func nonce(prefix [prefixSize]byte, counter uint64, final bool) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, prefix[:])
	if final {
		counter |= finalFlag
	}
	binary.BigEndian.PutUint64(n[prefixSize:], counter)
	return n
}

// Encrypt reads all of src and writes the sealed stream to dst.
func Encrypt(dst io.Writer, src io.Reader, key Key, opts ...Option) error {
	const op = "encrypt"
	if key.IsZero() {
		return errs.New(errs.KindCrypto, op, "empty key")
	}
	o := options{params: DefaultParams, chunkSize: DefaultChunkSize, rand: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.params.validate(); err != nil {
		return errs.Wrap(errs.KindCrypto, op, "", err)
	}
	if o.chunkSize < 1 || o.chunkSize > maxChunkSize {
		return errs.Newf(errs.KindCrypto, op, "chunk size %d out of range", o.chunkSize)
	}

	h := &header{params: o.params, chunkSize: uint32(o.chunkSize)}
	if _, err := io.ReadFull(o.rand, h.salt[:]); err != nil {
		return errs.Wrap(errs.KindCrypto, op, "salt", err)
	}
	if _, err := io.ReadFull(o.rand, h.prefix[:]); err != nil {
		return errs.Wrap(errs.KindCrypto, op, "nonce", err)
	}
	raw := h.marshal()
	aead, err := newAEAD(key, h)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, op, "", err)
	}
	if _, err := dst.Write(raw); err != nil {
		return errs.Wrap(errs.KindFileSystem, op, "write header", err)
	}

	br := bufio.NewReaderSize(src, o.chunkSize+1)
	buf := make([]byte, o.chunkSize)
	out := make([]byte, 0, o.chunkSize+aead.Overhead())
	for counter := uint64(0); ; counter++ {
		if counter >= finalFlag {
			return errs.New(errs.KindCrypto, op, "stream too long")
		}
		n, err := io.ReadFull(br, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errs.Wrap(errs.KindFileSystem, op, "read plaintext", err)
		}
		final := err != nil
		if !final {
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			} else if perr != nil {
				return errs.Wrap(errs.KindFileSystem, op, "read plaintext", perr)
			}
		}

		out = aead.Seal(out[:0], nonce(h.prefix, counter, final), buf[:n], raw)
		if _, err := dst.Write(out); err != nil {
			return errs.Wrap(errs.KindFileSystem, op, "write chunk", err)
		}
		if final {
			return nil
		}
	}
}

// Decrypt authenticates and decrypts a stream produced by Encrypt. On error,
// bytes already written to dst must be discarded.
func Decrypt(dst io.Writer, src io.Reader, key Key) error {
	const op = "decrypt"
	if key.IsZero() {
		return errs.New(errs.KindCrypto, op, "empty key")
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return errs.Wrap(errs.KindCrypto, op, "short header", err)
	}
	h, err := parseHeader(raw)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, op, "", err)
	}
	aead, err := newAEAD(key, h)
	if err != nil {
		return errs.Wrap(errs.KindCrypto, op, "", err)
	}

	sealed := int(h.chunkSize) + aead.Overhead()
	br := bufio.NewReaderSize(src, sealed+1)
	buf := make([]byte, sealed)
	out := make([]byte, 0, h.chunkSize)
	for counter := uint64(0); ; counter++ {
		if counter >= finalFlag {
			return errs.New(errs.KindCrypto, op, "stream too long")
		}
		n, err := io.ReadFull(br, buf)
		switch {
		case err == io.EOF:
			return errs.New(errs.KindCrypto, op, "truncated ciphertext: missing final chunk")
		case err != nil && err != io.ErrUnexpectedEOF:
			return errs.Wrap(errs.KindFileSystem, op, "read ciphertext", err)
		}
		final := err == io.ErrUnexpectedEOF
		if !final {
			if _, perr := br.Peek(1); perr == io.EOF {
				final = true
			} else if perr != nil {
				return errs.Wrap(errs.KindFileSystem, op, "read ciphertext", perr)
			}
		}

		out, err = aead.Open(out[:0], nonce(h.prefix, counter, final), buf[:n], raw)
		if err != nil {
			// A chunk that opens under the other flag is intact but misplaced.
			if _, aerr := aead.Open(nil, nonce(h.prefix, counter, !final), buf[:n], raw); aerr == nil {
				if final {
					return errs.New(errs.KindCrypto, op, "truncated ciphertext: missing final chunk")
				}
				return errs.New(errs.KindCrypto, op, "trailing data after final chunk")
			}
			return errs.New(errs.KindCrypto, op, "authentication failed: wrong key or corrupted ciphertext")
		}
		if _, err := dst.Write(out); err != nil {
			return errs.Wrap(errs.KindFileSystem, op, "write plaintext", err)
		}
		if final {
			return nil
		}
	}
}
