package securechannel

import (
	"bytes"

	"github.com/banshee-data/lungseg/internal/errs"
	"github.com/banshee-data/lungseg/internal/fsutil"
)

// EncryptFile encrypts in to out on fsys and returns out.
func EncryptFile(fsys fsutil.FileSystem, in, out string, key Key, opts ...Option) (string, error) {
	src, err := fsys.Open(in)
	if err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "encrypt", in, err)
	}
	defer src.Close()

	dst, err := fsys.Create(out)
	if err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "encrypt", out, err)
	}
	if err := Encrypt(dst, src, key, opts...); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "encrypt", out, err)
	}
	return out, nil
}

// DecryptFile decrypts in to out on fsys and returns out. Nothing is written
// to out unless the whole stream authenticates.
func DecryptFile(fsys fsutil.FileSystem, in, out string, key Key) (string, error) {
	src, err := fsys.Open(in)
	if err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "decrypt", in, err)
	}
	defer src.Close()

	var plain bytes.Buffer
	if err := Decrypt(&plain, src, key); err != nil {
		return "", err
	}
	if err := fsys.WriteFile(out, plain.Bytes(), 0600); err != nil {
		return "", errs.Wrap(errs.KindFileSystem, "decrypt", out, err)
	}
	return out, nil
}

// DecryptBytes decrypts an in-memory stream.
func DecryptBytes(ciphertext []byte, key Key) ([]byte, error) {
	var plain bytes.Buffer
	if err := Decrypt(&plain, bytes.NewReader(ciphertext), key); err != nil {
		return nil, err
	}
	return plain.Bytes(), nil
}

// EncryptBytes encrypts an in-memory payload.
func EncryptBytes(plaintext []byte, key Key, opts ...Option) ([]byte, error) {
	var sealed bytes.Buffer
	if err := Encrypt(&sealed, bytes.NewReader(plaintext), key, opts...); err != nil {
		return nil, err
	}
	return sealed.Bytes(), nil
}
