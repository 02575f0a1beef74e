package manifest

import (
	"net/url"
	"strings"
)

// LocalPrefix marks a URN that was rewritten to point into the mirror.
const LocalPrefix = "$file$/"

// Paths are the remote and local locations derived from a graphics URN.
type Paths struct {
	URN          string // percent-decoded
	BasePath     string // remote directory, with trailing slash
	LocalPath    string // mirror directory, "output/" stripped
	RootFileName string
}

// ExtractPaths splits a graphics URN into its base directory, local mirror
// directory and file name. Encoded OSS URNs hide their slashes, so the URN
// is percent-decoded first.
func ExtractPaths(urn string) Paths {
	if decoded, err := url.PathUnescape(urn); err == nil {
		urn = decoded
	}
	slash := strings.LastIndex(urn, "/")
	basePath := urn[:slash+1]

	localPath := basePath[strings.Index(basePath, "/")+1:]
	if !strings.HasPrefix(urn, LocalPrefix) {
		// Already-rewritten URNs carry the stripped local path.
		localPath = strings.TrimPrefix(localPath, "output/")
	}

	return Paths{
		URN:          urn,
		BasePath:     basePath,
		LocalPath:    localPath,
		RootFileName: urn[slash+1:],
	}
}

// LocalURN is the placeholder URN that points at the mirrored copy.
func (p Paths) LocalURN() string {
	return LocalPrefix + p.LocalPath + p.RootFileName
}

const upperhex = "0123456789ABCDEF"

// EncodeURIComponent percent-encodes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func EncodeURIComponent(s string) string {
	return escape(s, "-_.!~*'()")
}

// EncodeURI is EncodeURIComponent that also leaves URI delimiters intact.
func EncodeURI(s string) string {
	return escape(s, "-_.!~*'();,/?:@&=+$#")
}

func escape(s, keep string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x80 && (isAlnum(c) || strings.IndexByte(keep, c) >= 0) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
