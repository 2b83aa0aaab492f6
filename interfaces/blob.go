package interfaces

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GlobalTenantID is the registry-level namespace tag written on every blob
// row. The blob registry is intentionally shared across tenants so that
// deduplication works platform-wide; per-tenant ownership of individual
// documents is tracked by the caller, outside this subsystem.
const GlobalTenantID = "platform-global"

// BlobHash is a 16-byte MD5 digest uniquely identifying blob content.
// MD5 is sufficient here: the hash is a deduplication key, not a security
// boundary. A SHA-256 digest is kept alongside it for integrity checks.
type BlobHash [16]byte

// NewBlobHashFromHex parses a 32-character hex digest into a BlobHash.
func NewBlobHashFromHex(source string) (BlobHash, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 32 {
		return BlobHash{}, errors.New("invalid blob hash length: hex string must be 32 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return BlobHash{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [16]byte
	copy(hash[:], raw)
	return BlobHash(hash), nil
}

// String returns the lowercase hex representation.
func (h BlobHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 16-byte digest.
func (h BlobHash) Bytes() []byte {
	return h[:]
}

// Equal compares two blob hashes.
func (h BlobHash) Equal(other BlobHash) bool {
	return bytes.Equal(h[:], other[:])
}

// IsZero reports whether the hash is unset.
func (h BlobHash) IsZero() bool {
	return h == BlobHash{}
}

// Fingerprint is the result of hashing a byte buffer: the MD5 identity
// hash, a SHA-256 integrity digest, and the buffer size.
type Fingerprint struct {
	Hash   BlobHash
	SHA256 string
	Size   int64
}

// ComputeFingerprint hashes raw content. Pure function, no I/O. Identical
// byte sequences always yield identical fingerprints.
func ComputeFingerprint(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint{
		Hash:   BlobHash(md5.Sum(data)),
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
	}
}

// BlobMetadata is the free-form bag captured at first write.
type BlobMetadata struct {
	OriginalFilename string        `json:"originalFilename,omitempty"`
	UploadedBy       string        `json:"uploadedBy,omitempty"`
	Purpose          UploadPurpose `json:"purpose"`
}

// Blob is one registry row per distinct content hash. The hash is the
// primary key and is immutable; refCount only changes through the atomic
// registry operations.
type Blob struct {
	Hash        BlobHash     `json:"id"`
	Provider    ProviderKind `json:"provider"`
	ProviderID  string       `json:"providerId"`
	URL         string       `json:"url"`
	SecureURL   string       `json:"secureUrl"`
	MimeType    string       `json:"mimeType"`
	SizeBytes   int64        `json:"sizeBytes"`
	SHA256      string       `json:"sha256,omitempty"`
	RefCount    int64        `json:"refCount"`
	TenantID    string       `json:"tenantId"`
	FirstSeenAt time.Time    `json:"firstSeenAt"`
	LastSeenAt  time.Time    `json:"lastSeenAt"`
	Metadata    BlobMetadata `json:"metadata"`
}

// MarshalText implements encoding.TextMarshaler so BlobHash round-trips
// through JSON documents as a hex digest.
func (h BlobHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *BlobHash) UnmarshalText(text []byte) error {
	parsed, err := NewBlobHashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ErrInvalidBlobRecord is returned when a registry document fails
// validation even after legacy normalization. Callers treat this as a soft
// miss: the content is re-uploaded and the row self-heals on the next write.
var ErrInvalidBlobRecord = errors.New("invalid blob record")

// Validate checks a decoded blob against the current schema.
func (b *Blob) Validate() error {
	if b.Hash.IsZero() {
		return fmt.Errorf("%w: missing content hash", ErrInvalidBlobRecord)
	}
	if b.ProviderID == "" {
		return fmt.Errorf("%w: missing provider id", ErrInvalidBlobRecord)
	}
	if b.SecureURL == "" {
		return fmt.Errorf("%w: missing secure URL", ErrInvalidBlobRecord)
	}
	if b.RefCount < 0 {
		return fmt.Errorf("%w: negative refCount %d", ErrInvalidBlobRecord, b.RefCount)
	}
	if b.SizeBytes < 0 {
		return fmt.Errorf("%w: negative sizeBytes %d", ErrInvalidBlobRecord, b.SizeBytes)
	}
	return nil
}

// EncodeBlob serializes a blob to its registry document form.
func EncodeBlob(b *Blob) (json.RawMessage, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob document: %w", err)
	}
	return raw, nil
}

// legacyBlobDocument mirrors field names used by earlier schema versions of
// the registry. Rows written before the provider abstraction carried the
// object-store vendor's field names directly.
type legacyBlobDocument struct {
	ID                 string          `json:"id"`
	MD5                string          `json:"md5"`
	Provider           string          `json:"provider"`
	ProviderID         string          `json:"providerId"`
	CloudinaryPublicID string          `json:"cloudinaryPublicId"`
	GridFSID           string          `json:"gridFsId"`
	URL                string          `json:"url"`
	SecureURL          string          `json:"secureUrl"`
	CloudinaryURL      string          `json:"cloudinaryUrl"`
	MimeType           string          `json:"mimeType"`
	SizeBytes          int64           `json:"sizeBytes"`
	SHA256             string          `json:"sha256"`
	RefCount           *int64          `json:"refCount"`
	TenantID           string          `json:"tenantId"`
	FirstSeenAt        time.Time       `json:"firstSeenAt"`
	CreatedAt          time.Time       `json:"createdAt"`
	LastSeenAt         time.Time       `json:"lastSeenAt"`
	LastAccessedAt     time.Time       `json:"lastAccessedAt"`
	OriginalName       string          `json:"originalName"`
	Metadata           json.RawMessage `json:"metadata"`
}

// DecodeBlob decodes a registry document into the current schema. It first
// attempts a strict decode; if the document is missing required fields it
// falls back to a best-effort legacy decode that maps older field names onto
// the current shape and backfills defaults. The returned legacy flag is true
// when the fallback path was taken, so callers can log the normalization.
//
// Decoding is idempotent and cheap; it runs on every read of an existing
// row so historical documents remain usable without a migration step.
func DecodeBlob(raw json.RawMessage, now time.Time) (*Blob, bool, error) {
	var blob Blob
	if err := json.Unmarshal(raw, &blob); err == nil {
		if err := blob.Validate(); err == nil {
			return &blob, false, nil
		}
	}

	legacy, err := decodeLegacyBlob(raw, now)
	if err != nil {
		return nil, true, err
	}
	return legacy, true, nil
}

func decodeLegacyBlob(raw json.RawMessage, now time.Time) (*Blob, error) {
	var doc legacyBlobDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlobRecord, err)
	}

	idHex := doc.ID
	if idHex == "" {
		idHex = doc.MD5
	}
	hash, err := NewBlobHashFromHex(idHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlobRecord, err)
	}

	providerID := doc.ProviderID
	if providerID == "" {
		providerID = doc.CloudinaryPublicID
	}
	if providerID == "" {
		providerID = doc.GridFSID
	}

	url := doc.URL
	if url == "" {
		url = doc.CloudinaryURL
	}
	secureURL := doc.SecureURL
	if secureURL == "" {
		secureURL = url
	}

	provider, err := ParseProviderKind(doc.Provider)
	if err != nil {
		// Rows written before the provider tag existed all lived in the
		// object store.
		provider = ProviderObjectStore
	}

	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	refCount := int64(1)
	if doc.RefCount != nil {
		refCount = *doc.RefCount
	}

	firstSeen := doc.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = doc.CreatedAt
	}
	if firstSeen.IsZero() {
		firstSeen = now
	}
	lastSeen := doc.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = doc.LastAccessedAt
	}
	if lastSeen.IsZero() {
		lastSeen = now
	}

	tenantID := doc.TenantID
	if tenantID == "" {
		tenantID = GlobalTenantID
	}

	var metadata BlobMetadata
	if len(doc.Metadata) > 0 {
		// Best effort: a malformed metadata bag is not worth failing the row.
		_ = json.Unmarshal(doc.Metadata, &metadata)
	}
	if metadata.OriginalFilename == "" {
		metadata.OriginalFilename = doc.OriginalName
	}

	blob := &Blob{
		Hash:        hash,
		Provider:    provider,
		ProviderID:  providerID,
		URL:         url,
		SecureURL:   secureURL,
		MimeType:    mimeType,
		SizeBytes:   doc.SizeBytes,
		SHA256:      doc.SHA256,
		RefCount:    refCount,
		TenantID:    tenantID,
		FirstSeenAt: firstSeen,
		LastSeenAt:  lastSeen,
		Metadata:    metadata,
	}
	if err := blob.Validate(); err != nil {
		return nil, err
	}
	return blob, nil
}
