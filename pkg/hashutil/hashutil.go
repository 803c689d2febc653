// Package hashutil provides the domain-tagged SHA-256d hashes used by the
// grid. Each semantic role has its own tag; the hashed input is always
// netstring(tag) || data, so equal data under different roles never
// produces the same digest.
package hashutil

import (
	"crypto/sha256"
	"hash"
	"strconv"

	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Tags. These constants are part of the on-grid format and must never change.
const (
	TagStorageIndex         = "allmydata_immutable_key_to_storage_index_v1"
	TagBlock                = "allmydata_encoded_subshare_v1"
	TagUEB                  = "allmydata_uri_extension_v1"
	TagPlaintext            = "allmydata_plaintext_v1"
	TagCrypttext            = "allmydata_crypttext_v1"
	TagCrypttextSegment     = "allmydata_crypttext_segment_v1"
	TagPlaintextSegment     = "allmydata_plaintext_segment_v1"
	TagConvergentEncryption = "allmydata_immutable_content_to_key_with_added_secret_v1+"
	TagClientRenewal        = "allmydata_client_renewal_secret_v1"
	TagClientCancel         = "allmydata_client_cancel_secret_v1"
	TagFileRenewal          = "allmydata_file_renewal_secret_v1"
	TagFileCancel           = "allmydata_file_cancel_secret_v1"
	TagBucketRenewal        = "allmydata_bucket_renewal_secret_v1"
	TagBucketCancel         = "allmydata_bucket_cancel_secret_v1"
	TagHashTreeNode         = "Merkle tree internal node"
	TagHashTreeEmptyLeaf    = "Merkle tree empty leaf"
	TagPermuteServer        = "ouroboros_grid_permute_server_v1"
)

// AllTags lists every role tag, used by tests that check role separation.
var AllTags = []string{
	TagStorageIndex, TagBlock, TagUEB, TagPlaintext, TagCrypttext,
	TagCrypttextSegment, TagPlaintextSegment, TagConvergentEncryption,
	TagClientRenewal, TagClientCancel, TagFileRenewal, TagFileCancel,
	TagBucketRenewal, TagBucketCancel, TagHashTreeNode, TagHashTreeEmptyLeaf,
	TagPermuteServer,
}

// Netstring returns len(s) ":" s ",".
func Netstring(s []byte) []byte {
	prefix := strconv.Itoa(len(s))
	out := make([]byte, 0, len(prefix)+len(s)+2)
	out = append(out, prefix...)
	out = append(out, ':')
	out = append(out, s...)
	return append(out, ',')
}

// Hasher is an incremental SHA-256d with a fixed output truncation.
type Hasher struct {
	inner    hash.Hash
	truncate int
}

// NewHasher starts a SHA-256d over netstring(tag).
func NewHasher(tag string, truncate int) *Hasher {
	return newHasherRaw(Netstring([]byte(tag)), truncate)
}

func newHasherRaw(prefix []byte, truncate int) *Hasher {
	h := &Hasher{inner: sha256.New(), truncate: truncate}
	h.inner.Write(prefix)
	return h
}

// Write never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.inner.Write(p)
}

// Digest returns the truncated double hash of everything written so far.
// It does not reset the hasher.
func (h *Hasher) Digest() []byte {
	first := h.inner.Sum(nil)
	second := sha256.Sum256(first)
	return second[:h.truncate]
}

// TaggedHash is SHA-256d(netstring(tag) || data) truncated to n bytes.
func TaggedHash(tag string, data []byte, n int) []byte {
	h := NewHasher(tag, n)
	h.Write(data)
	return h.Digest()
}

// TaggedPairHash hashes two values with unambiguous framing.
func TaggedPairHash(tag string, a, b []byte, n int) []byte {
	h := NewHasher(tag, n)
	h.Write(Netstring(a))
	h.Write(Netstring(b))
	return h.Digest()
}

func hash32(tag string, data []byte) [model.HashSize]byte {
	var out [model.HashSize]byte
	copy(out[:], TaggedHash(tag, data, model.HashSize))
	return out
}

// StorageIndexHash derives the storage index from an encryption key.
func StorageIndexHash(key []byte) model.StorageIndex {
	var si model.StorageIndex
	copy(si[:], TaggedHash(TagStorageIndex, key, model.StorageIndexSize))
	return si
}

// BlockHash is the leaf hash of one block in a share's block tree.
func BlockHash(block []byte) [model.HashSize]byte {
	return hash32(TagBlock, block)
}

// UEBHash identifies a URI extension block.
func UEBHash(ueb []byte) [model.HashSize]byte {
	return hash32(TagUEB, ueb)
}

// CrypttextSegmentHash is the leaf hash of one ciphertext segment.
func CrypttextSegmentHash(seg []byte) [model.HashSize]byte {
	return hash32(TagCrypttextSegment, seg)
}

// PlaintextSegmentHash is the leaf hash of one plaintext segment.
func PlaintextSegmentHash(seg []byte) [model.HashSize]byte {
	return hash32(TagPlaintextSegment, seg)
}

// NewCrypttextHasher hashes an entire ciphertext stream.
func NewCrypttextHasher() *Hasher {
	return NewHasher(TagCrypttext, model.HashSize)
}

// NewPlaintextHasher hashes an entire plaintext stream.
func NewPlaintextHasher() *Hasher {
	return NewHasher(TagPlaintext, model.HashSize)
}

// NewConvergenceHasher returns the hasher whose digest over the plaintext
// is the convergent encryption key. The encoding parameters are bound into
// the tag so that changing k, n or the segment size changes the key.
func NewConvergenceHasher(k, n int, segmentSize uint64, secret []byte) *Hasher {
	params := []byte(strconv.Itoa(k) + "," + strconv.Itoa(n) + "," + strconv.FormatUint(segmentSize, 10))
	prefix := []byte(TagConvergentEncryption)
	prefix = append(prefix, Netstring(secret)...)
	prefix = append(prefix, Netstring(params)...)
	return newHasherRaw(Netstring(prefix), model.KeySize)
}

// HashTreeNode combines two children into their parent.
func HashTreeNode(left, right [model.HashSize]byte) [model.HashSize]byte {
	var out [model.HashSize]byte
	copy(out[:], TaggedPairHash(TagHashTreeNode, left[:], right[:], model.HashSize))
	return out
}

// EmptyLeafHash pads a tree whose width is not a power of two.
func EmptyLeafHash(i int) [model.HashSize]byte {
	return hash32(TagHashTreeEmptyLeaf, []byte(strconv.Itoa(i)))
}

// ClientRenewalSecret derives a client-wide renewal secret from the
// node's lease secret.
func ClientRenewalSecret(leaseSecret []byte) model.LeaseSecret {
	return secret32(TaggedHash(TagClientRenewal, leaseSecret, model.LeaseSecretSize))
}

// ClientCancelSecret derives a client-wide cancel secret.
func ClientCancelSecret(leaseSecret []byte) model.LeaseSecret {
	return secret32(TaggedHash(TagClientCancel, leaseSecret, model.LeaseSecretSize))
}

// FileRenewalSecret narrows a client renewal secret to one file.
func FileRenewalSecret(client model.LeaseSecret, si model.StorageIndex) model.LeaseSecret {
	return secret32(TaggedPairHash(TagFileRenewal, client[:], si[:], model.LeaseSecretSize))
}

// FileCancelSecret narrows a client cancel secret to one file.
func FileCancelSecret(client model.LeaseSecret, si model.StorageIndex) model.LeaseSecret {
	return secret32(TaggedPairHash(TagFileCancel, client[:], si[:], model.LeaseSecretSize))
}

// BucketRenewalSecret narrows a file renewal secret to one server.
func BucketRenewalSecret(file model.LeaseSecret, server model.ServerID) model.LeaseSecret {
	return secret32(TaggedPairHash(TagBucketRenewal, file[:], server[:], model.LeaseSecretSize))
}

// BucketCancelSecret narrows a file cancel secret to one server.
func BucketCancelSecret(file model.LeaseSecret, server model.ServerID) model.LeaseSecret {
	return secret32(TaggedPairHash(TagBucketCancel, file[:], server[:], model.LeaseSecretSize))
}

// PermuteHash orders servers per file so that placement is deterministic
// but differs between files.
func PermuteHash(server model.ServerID, si model.StorageIndex) [model.HashSize]byte {
	buf := make([]byte, 0, len(server)+len(si))
	buf = append(buf, server[:]...)
	buf = append(buf, si[:]...)
	return hash32(TagPermuteServer, buf)
}

// ServerIDFromName derives a ServerID from a nickname. Test grids and
// configs without explicit ids use it.
func ServerIDFromName(name string) model.ServerID {
	var id model.ServerID
	copy(id[:], TaggedHash(TagPermuteServer, []byte("server-id:"+name), model.ServerIDSize))
	return id
}

func secret32(b []byte) model.LeaseSecret {
	var s model.LeaseSecret
	copy(s[:], b)
	return s
}
