package series

import (
	"regexp"
	"strings"
)

var (
	// "Series (Original title). Episode title (S01E02)"
	trackerTitle = regexp.MustCompile(`^(.+?)\s*\([^()]*\)\.\s`)
	// "Series S01E02", "Series (2019) s1e2 Pilot"
	episodeMarker = regexp.MustCompile(`(?i)[\s.(\[-]*\bS\d{1,3}\s*E\d{1,4}\b.*$`)
	trailingParen = regexp.MustCompile(`\s*\([^()]*\)\s*$`)
)

// Key derives the series key from an item title. An empty key means the title could
// not be attributed to a series.
func Key(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}

	if m := trackerTitle.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1])
	}

	name := episodeMarker.ReplaceAllString(title, "")
	name = trailingParen.ReplaceAllString(name, "")
	return strings.TrimSpace(name)
}
