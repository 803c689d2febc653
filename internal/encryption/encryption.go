// Package encryption provides the AES-128-CTR stream cipher used for
// immutable files and the two ways of choosing its key.
//
// The IV is always zero; the counter is derived from the byte offset, so any
// range of a file can be encrypted or decrypted independently.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Key is an AES-128 key.
type Key [model.KeySize]byte

// StorageIndex derives the file's storage index from the key.
func (k Key) StorageIndex() model.StorageIndex {
	return hashutil.StorageIndexHash(k[:])
}

// RandomKey draws a key from the system CSPRNG.
func RandomKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, fmt.Errorf("encryption: random key: %w", err)
	}
	return k, nil
}

// ConvergentKey hashes the plaintext in r together with the encoding
// parameters and the convergence secret. Identical inputs give identical
// keys and therefore identical shares.
func ConvergentKey(
	r io.Reader,
	p model.EncodingParams,
	secret []byte,
) (Key, error) {
	var k Key
	h := hashutil.NewConvergenceHasher(p.K, p.N, p.SegmentSize, secret)
	if _, err := io.Copy(h, r); err != nil {
		return k, fmt.Errorf("encryption: convergence hash: %w", err)
	}
	copy(k[:], h.Digest())
	return k, nil
}

// CryptAt XORs data in place with the keystream starting at offset.
// Encryption and decryption are the same operation.
func CryptAt(data []byte, offset uint64, key Key) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// a 16-byte key is always valid
		panic(err)
	}
	counter := offset / aes.BlockSize
	iv := make([]byte, aes.BlockSize)
	for i := 0; i < 8; i++ {
		iv[aes.BlockSize-1-i] = byte(counter >> (8 * i))
	}
	stream := cipher.NewCTR(block, iv)
	if skip := offset % aes.BlockSize; skip != 0 {
		tmp := make([]byte, skip)
		stream.XORKeyStream(tmp, tmp)
	}
	stream.XORKeyStream(data, data)
}

// Reader encrypts (or decrypts) everything read through it, tracking the
// offset so reads of any size line up with the keystream.
type Reader struct {
	inner  io.Reader
	key    Key
	offset uint64
}

func NewReader(r io.Reader, offset uint64, key Key) *Reader {
	return &Reader{inner: r, key: key, offset: offset}
}

func (cr *Reader) Read(p []byte) (int, error) {
	n, err := cr.inner.Read(p)
	CryptAt(p[:n], cr.offset, cr.key)
	cr.offset += uint64(n)
	return n, err
}

// Offset is the position of the next byte.
func (cr *Reader) Offset() uint64 { return cr.offset }
