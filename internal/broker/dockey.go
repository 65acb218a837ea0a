package broker

import (
	"errors"
	"net/url"
	"path"
)

var ErrInvalidURI = errors.New("invalid document URI")

// SanitizeURI decodes the incoming public URI (it arrives URL-encoded as
// a path component), normalizes local paths and re-decodes the
// access_token query value, which the entry page encodes once more than
// the rest of the query.
func SanitizeURI(raw string) (*url.URL, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return nil, ErrInvalidURI
	}
	uri, err := url.Parse(decoded)
	if err != nil {
		return nil, ErrInvalidURI
	}

	if uri.Scheme == "" || uri.Scheme == "file" {
		uri.Path = path.Clean(uri.Path)
	}
	if uri.Path == "" || uri.Path == "." {
		return nil, ErrInvalidURI
	}

	query := uri.Query()
	if token := query.Get("access_token"); token != "" {
		if decodedToken, err := url.PathUnescape(token); err == nil {
			query.Set("access_token", decodedToken)
		}
		uri.RawQuery = query.Encode()
	}
	return uri, nil
}

// DocKeyFromURI derives the canonical document identity: the URL-encoded
// path component, host stripped. Opening the same document through alias
// hosts must share one broker, so the host takes no part in the key.
func DocKeyFromURI(uri *url.URL) string {
	return (&url.URL{Path: uri.Path}).EscapedPath()
}
