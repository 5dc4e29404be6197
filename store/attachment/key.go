// Package attachment holds the helpers shared by the object-store backed
// attachment stores. Backends live in subpackages.
package attachment

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObjectKey partitions uploads by day: prefix/2006/01/02/<uuid>/<filename>.
// Only the base name of filename is kept.
func ObjectKey(prefix string, now time.Time, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "attachment"
	}
	return path.Join(prefix, now.UTC().Format("2006/01/02"), uuid.NewString(), name)
}

// FormatURI builds scheme://bucket/key.
func FormatURI(scheme, bucket, key string) string {
	return scheme + "://" + bucket + "/" + key
}

// ParseURI splits scheme://bucket/key.
func ParseURI(scheme, uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("invalid %s uri: %s", scheme, uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid %s uri (no key): %s", scheme, uri)
	}
	return bucket, key, nil
}
