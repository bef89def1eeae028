// Package dist defines the wire encoding for distributing compiled OMG
// images: a CBOR bundle wrapping the image bytes with metadata and a
// content digest, plus the announcement record used to advertise bundles.
package dist

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode for deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ErrDigestMismatch is returned when a bundle's image bytes do not hash to
// its recorded digest.
var ErrDigestMismatch = errors.New("dist: bundle digest mismatch")

// Bundle wraps a compiled .omgb image with its provenance. The digest is
// the SHA-256 of the image bytes and doubles as the bundle's identity in
// the cache and the sync protocol.
type Bundle struct {
	Name      string `cbor:"name"`
	Version   string `cbor:"version"`
	CreatedBy string `cbor:"created_by"`
	Source    string `cbor:"source,omitempty"`
	Image     []byte `cbor:"image"`
	Digest    []byte `cbor:"digest"`
}

// NewBundle builds a bundle around image bytes, computing the digest.
func NewBundle(name, version string, image []byte) *Bundle {
	sum := sha256.Sum256(image)
	return &Bundle{
		Name:    name,
		Version: version,
		Image:   image,
		Digest:  sum[:],
	}
}

// Verify recomputes the digest and checks it against the recorded one.
func (b *Bundle) Verify() error {
	sum := sha256.Sum256(b.Image)
	if !bytes.Equal(sum[:], b.Digest) {
		return ErrDigestMismatch
	}
	return nil
}

// DigestHex returns the digest as a lowercase hex string.
func (b *Bundle) DigestHex() string {
	return fmt.Sprintf("%x", b.Digest)
}

// MarshalBundle serializes a Bundle to CBOR bytes.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

// UnmarshalBundle deserializes a Bundle from CBOR bytes.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("dist: unmarshal bundle: %w", err)
	}
	return &b, nil
}

// Announcement advertises the bundles a host can serve, by digest.
type Announcement struct {
	Host    string   `cbor:"host"`
	Digests [][]byte `cbor:"digests"`
}

// MarshalAnnouncement serializes an Announcement to CBOR bytes.
func MarshalAnnouncement(a *Announcement) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalAnnouncement deserializes an Announcement from CBOR bytes.
func UnmarshalAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("dist: unmarshal announcement: %w", err)
	}
	return &a, nil
}
