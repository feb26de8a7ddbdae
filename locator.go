package airdrop

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// LocatorParam is the query parameter carrying the bundle identifier.
	LocatorParam = "id"

	// DefaultQREndpoint renders QR images for arbitrary text.
	DefaultQREndpoint = "https://api.qrserver.com/v1/create-qr-code/"

	// DefaultQRSize is the QR image edge length in pixels.
	DefaultQRSize = 200
)

var (
	// ErrNoIdentifier is returned when a locator carries no id parameter.
	ErrNoIdentifier = errors.New("locator has no identifier")

	// ErrInvalidID is returned when an identifier is malformed.
	ErrInvalidID = errors.New("invalid identifier")
)

// Locator builds the shareable URL for id from the application base URL.
// Trailing slashes on the base path are dropped and any existing query or
// fragment is replaced.
func Locator(base, id string) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.Fragment = ""
	u.RawQuery = url.Values{LocatorParam: []string{id}}.Encode()
	return u.String(), nil
}

// ParseLocator extracts the identifier from a locator URL. A bare
// identifier is accepted as-is.
func ParseLocator(s string) (string, error) {
	s = strings.TrimSpace(s)
	if ValidID(s) {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing locator: %w", err)
	}
	id := u.Query().Get(LocatorParam)
	if id == "" {
		return "", ErrNoIdentifier
	}
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	return id, nil
}

// QRCodeURL returns the image URL that renders text as a size x size QR code.
func QRCodeURL(endpoint, text string, size int) string {
	if endpoint == "" {
		endpoint = DefaultQREndpoint
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	return fmt.Sprintf("%s?size=%dx%d&data=%s", endpoint, size, size, url.QueryEscape(text))
}
