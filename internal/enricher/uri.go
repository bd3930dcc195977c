package enricher

import (
	"regexp"
	"strings"
)

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// NormalizeURI strips the query string and collapses dynamic path segments:
// purely numeric segments become {id}, UUID-shaped segments become {uuid}.
// Case is preserved, so /API/V1 and /api/v1 aggregate separately on purpose.
func NormalizeURI(uri string) string {
	if uri == "" {
		return ""
	}
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		uri = uri[:idx]
	}
	if idx := strings.IndexByte(uri, '#'); idx >= 0 {
		uri = uri[:idx]
	}
	if !strings.ContainsAny(uri, "0123456789") {
		return uri
	}

	segments := strings.Split(uri, "/")
	changed := false
	for i, seg := range segments {
		switch {
		case seg == "":
		case numericSegment.MatchString(seg):
			segments[i] = "{id}"
			changed = true
		case uuidSegment.MatchString(seg):
			segments[i] = "{uuid}"
			changed = true
		}
	}
	if !changed {
		return uri
	}
	return strings.Join(segments, "/")
}
