package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Key derives a cache key from the request method, path, sorted query and
// the values of the varyBy headers. The result is a fixed-length hex digest.
func Key(method, path string, query url.Values, headers http.Header, varyBy []string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)

	if len(query) > 0 {
		b.WriteByte('?')
		// Encode sorts by key.
		b.WriteString(query.Encode())
	}

	if len(varyBy) > 0 {
		names := make([]string, len(varyBy))
		for i, h := range varyBy {
			names[i] = http.CanonicalHeaderKey(h)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteByte('|')
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strings.Join(headers.Values(name), ","))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
