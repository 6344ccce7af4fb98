package imagecheck

import (
	"encoding/base64"
	"strings"
)

// DecodeDataURI decodes a "data:<mime>;base64,<payload>" URI into its mime
// type and raw bytes, so JSON uploads reach Validate with the same buffer a
// multipart upload would.
func DecodeDataURI(uri string) (string, []byte, error) {
	uri = strings.TrimSpace(uri)
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, &ValidationError{Reason: ReasonBadDataURI, Message: "missing data: prefix"}
	}

	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, &ValidationError{Reason: ReasonBadDataURI, Message: "missing payload separator"}
	}

	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, &ValidationError{Reason: ReasonBadDataURI, Message: "only base64 data URIs are supported"}
	}

	// Some clients wrap long base64 strings.
	payload = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, payload)

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Tolerate unpadded payloads.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, &ValidationError{Reason: ReasonBadDataURI, Message: "payload is not valid base64"}
		}
	}

	return mimeType, data, nil
}
