package imagecheck

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultMaxSize is the default maximum accepted upload size (10MB).
const DefaultMaxSize = 10 * 1024 * 1024

// Supported mime types.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeWebP = "image/webp"
)

// FingerprintLength is the number of hex characters of the content hash used
// as an analysis cache key.
const FingerprintLength = 32

// Reason classifies why a payload was rejected.
type Reason string

const (
	ReasonEmpty             Reason = "empty"
	ReasonTooLarge          Reason = "too_large"
	ReasonUnsupportedType   Reason = "unsupported_type"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonBadDataURI        Reason = "bad_data_uri"
)

// ValidationError is returned for payloads that must never be retried as-is.
type ValidationError struct {
	Reason  Reason
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid image (%s): %s", e.Reason, e.Message)
}

// Checked is an upload that passed validation together with its content hash.
type Checked struct {
	Data        []byte
	MimeType    string
	ContentHash string
}

// Fingerprint returns the analysis cache key for the checked image.
func (c Checked) Fingerprint() string {
	return Fingerprint(c.ContentHash)
}

var signatures = map[string]func([]byte) bool{
	MimeJPEG: func(b []byte) bool {
		return len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF
	},
	MimePNG: func(b []byte) bool {
		return bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n"))
	},
	MimeWebP: func(b []byte) bool {
		return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP"))
	},
}

// Validator checks uploads against a size limit, the mime allow-list and the
// magic-number signature of the claimed type.
type Validator struct {
	maxSize int64
}

// NewValidator creates a validator. A non-positive maxSize uses DefaultMaxSize.
func NewValidator(maxSize int64) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Validator{maxSize: maxSize}
}

// MaxSize returns the configured size limit in bytes.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate checks data against the claimed mime type and returns the hashed
// upload. The hash is computed only after every check passed.
func (v *Validator) Validate(data []byte, claimedMime string) (Checked, error) {
	if len(data) == 0 {
		return Checked{}, &ValidationError{Reason: ReasonEmpty, Message: "payload is empty"}
	}
	if int64(len(data)) > v.maxSize {
		return Checked{}, &ValidationError{
			Reason:  ReasonTooLarge,
			Message: fmt.Sprintf("payload of %d bytes exceeds limit of %d bytes", len(data), v.maxSize),
		}
	}

	mimeType := NormalizeMime(claimedMime)
	matches, ok := signatures[mimeType]
	if !ok {
		return Checked{}, &ValidationError{
			Reason:  ReasonUnsupportedType,
			Message: fmt.Sprintf("mime type %q is not allowed", claimedMime),
		}
	}
	if !matches(data) {
		return Checked{}, &ValidationError{
			Reason:  ReasonSignatureMismatch,
			Message: fmt.Sprintf("file signature does not match %s", mimeType),
		}
	}

	return Checked{
		Data:        data,
		MimeType:    mimeType,
		ContentHash: ContentHash(data),
	}, nil
}

// NormalizeMime lower-cases a mime type, strips parameters and maps the
// common image/jpg alias.
func NormalizeMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "image/jpg" || mimeType == "image/pjpeg" {
		return MimeJPEG
	}
	return mimeType
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the cache key from a content hash by taking a stable
// prefix, so a cache lookup never rehashes the image.
func Fingerprint(contentHash string) string {
	if len(contentHash) <= FingerprintLength {
		return contentHash
	}
	return contentHash[:FingerprintLength]
}

// Extension returns the file extension used for stored blobs of mimeType.
func Extension(mimeType string) string {
	switch NormalizeMime(mimeType) {
	case MimeJPEG:
		return ".jpg"
	case MimePNG:
		return ".png"
	case MimeWebP:
		return ".webp"
	default:
		return ".bin"
	}
}
