package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when an origin, path and query do not compose
// into an absolute URL.
var ErrInvalidURL = errors.New("invalid upstream URL")

// BuildTargetURL joins an upstream origin with the inbound path and raw query.
// Exactly one trailing slash is removed from origin and path gets exactly one
// leading slash. The path and query are used as received, without re-encoding.
func BuildTargetURL(origin, path, rawQuery string) (*url.URL, error) {
	origin = strings.TrimSuffix(origin, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	raw := origin + path
	if rawQuery != "" {
		raw += "?" + rawQuery
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no scheme or host", ErrInvalidURL, raw)
	}
	return u, nil
}
