package securechannel

import (
	"bytes"
	"fmt"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
)

// Key is the passphrase derived from a PEM file. It is the literal PEM body,
// not a hash; the cipher stretches it with Argon2id.
type Key struct {
	passphrase string
}

// NewKey wraps an existing passphrase.
func NewKey(passphrase string) Key {
	return Key{passphrase: passphrase}
}

// Passphrase returns the raw passphrase.
func (k Key) Passphrase() string { return k.passphrase }

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool { return k.passphrase == "" }

// String redacts the passphrase.
func (k Key) String() string {
	return fmt.Sprintf("Key(%d chars)", len(k.passphrase))
}

// DeriveKey drops the first and last lines of a PEM document (header and
// footer), strips each remaining line's line ending and joins them.
func DeriveKey(pem []byte) (Key, error) {
	lines := bytes.SplitAfter(pem, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	if len(lines) < 3 {
		return Key{}, errs.Newf(errs.KindCrypto, "derive key", "PEM has %d lines, need a header, body and footer", len(lines))
	}

	var b bytes.Buffer
	for _, line := range lines[1 : len(lines)-1] {
		b.Write(bytes.TrimRight(line, "\r\n"))
	}
	if b.Len() == 0 {
		return Key{}, errs.New(errs.KindCrypto, "derive key", "PEM body is empty")
	}
	return Key{passphrase: b.String()}, nil
}

// ReadKeyFile reads a PEM file from fsys and derives its key.
func ReadKeyFile(fsys fsutil.FileSystem, path string) (Key, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Key{}, errs.Wrap(errs.KindFileSystem, "read key", path, err)
	}
	k, err := DeriveKey(data)
	if err != nil {
		return Key{}, fmt.Errorf("%s: %w", path, err)
	}
	return k, nil
}
