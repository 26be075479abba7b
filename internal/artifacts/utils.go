package artifacts

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
)

// PathFromURI returns the local path of a file:// URI.
func PathFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("not a file:// uri: %q", uri)
	}
	if parsed.Host != "" && parsed.Host != "localhost" {
		return "", fmt.Errorf("file uri %q names a remote host", uri)
	}
	if parsed.Path == "" {
		return "", fmt.Errorf("file uri %q has no path", uri)
	}
	return filepath.FromSlash(parsed.Path), nil
}

// BaseNameFromURI returns the last path element of a URI, which is the name
// a download is stored under.
func BaseNameFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	name := path.Base(parsed.Path)
	if name == "/" || name == "." || name == "" {
		return "", fmt.Errorf("uri %q does not name a file", uri)
	}
	return name, nil
}
