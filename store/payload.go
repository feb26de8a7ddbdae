package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultMIMEType is used for files without a declared content type.
const DefaultMIMEType = "application/octet-stream"

// ErrInvalidPayload is returned for payloads that are not data URLs.
var ErrInvalidPayload = errors.New("invalid data url payload")

// EncodeDataURL renders data as "data:<mime>;base64,<data>".
func EncodeDataURL(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	var sb strings.Builder
	sb.Grow(len("data:;base64,") + len(mimeType) + base64.StdEncoding.EncodedLen(len(data)))
	sb.WriteString("data:")
	sb.WriteString(mimeType)
	sb.WriteString(";base64,")
	sb.WriteString(base64.StdEncoding.EncodeToString(data))
	return sb.String()
}

// DecodeDataURL parses a data URL and returns its media type and bytes.
// Both base64 and percent-encoded data URLs are accepted.
func DecodeDataURL(s string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data: scheme", ErrInvalidPayload)
	}
	meta, body, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing comma", ErrInvalidPayload)
	}

	meta, isBase64 := strings.CutSuffix(meta, ";base64")
	mimeType = meta
	if mimeType == "" {
		// RFC 2397 default
		mimeType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return mimeType, data, nil
	}

	unescaped, err := url.PathUnescape(body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return mimeType, []byte(unescaped), nil
}
