package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/i5heu/ouroboros-grid/internal/encryption"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Uploadable is plaintext input. It must be seekable because the
// convergent key is derived from a first pass over the data.
// bytes.Reader and strings.Reader satisfy it.
type Uploadable interface {
	io.ReadSeeker
	Size() int64
}

// FromBytes wraps an in-memory file.
func FromBytes(data []byte) Uploadable {
	return bytes.NewReader(data)
}

// FileUploadable reads from an open file.
type FileUploadable struct {
	*os.File
	size int64
}

// OpenFile opens path for upload. The caller closes it.
func OpenFile(path string) (*FileUploadable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileUploadable{File: f, size: info.Size()}, nil
}

func (f *FileUploadable) Size() int64 { return f.size }

// EncryptedUploadable yields ciphertext for the encoder.
type EncryptedUploadable interface {
	io.Reader
	Size() uint64
	StorageIndex() model.StorageIndex
	// Params are already adjusted to the file size.
	Params() model.EncodingParams
}

// Encryptor turns an Uploadable into ciphertext under a key.
type Encryptor struct {
	src    Uploadable
	key    encryption.Key
	params model.EncodingParams
	reader *encryption.Reader
}

// EncryptAnUploadable rewinds u and encrypts it under key.
func EncryptAnUploadable(u Uploadable, key encryption.Key, params model.EncodingParams) (*Encryptor, error) {
	if _, err := u.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind uploadable: %w", err)
	}
	size := uint64(u.Size())
	return &Encryptor{
		src:    u,
		key:    key,
		params: params.AdjustedFor(size),
		reader: encryption.NewReader(u, 0, key),
	}, nil
}

func (e *Encryptor) Read(p []byte) (int, error) { return e.reader.Read(p) }

func (e *Encryptor) Size() uint64 { return uint64(e.src.Size()) }

func (e *Encryptor) StorageIndex() model.StorageIndex { return e.key.StorageIndex() }

func (e *Encryptor) Params() model.EncodingParams { return e.params }

func (e *Encryptor) Key() encryption.Key { return e.key }

// chooseKey derives the convergent key when a secret is set, else a
// random one. The uploadable is left at an unspecified position.
func chooseKey(u Uploadable, params model.EncodingParams, secret []byte) (encryption.Key, error) {
	if secret == nil {
		return encryption.RandomKey()
	}
	if _, err := u.Seek(0, io.SeekStart); err != nil {
		return encryption.Key{}, fmt.Errorf("rewind uploadable: %w", err)
	}
	return encryption.ConvergentKey(u, params, secret)
}
