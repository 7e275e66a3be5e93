// Package source downloads the upstream announcement feed and turns it into feed items
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"tvfeed/models"
	"tvfeed/series"
)

// ErrParse is returned together with an empty item list when neither the repaired nor
// the original payload could be parsed
var ErrParse = errors.New("source payload unparsable")

type Reader struct {
	fetcher Fetcher
}

func NewReader(fetcher Fetcher) *Reader {
	return &Reader{fetcher: fetcher}
}

// LoadItems downloads and parses one source. A download failure yields an error
// wrapping ErrUnavailable; a payload nothing can be made of yields an empty list and
// ErrParse. Both mean "no new data this cycle".
func (r *Reader) LoadItems(ctx context.Context, uri string, headers map[string]string) ([]models.FeedItem, error) {
	raw, err := r.fetcher.Fetch(ctx, uri, headers)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}

	items, err := ParseItems(string(raw))
	if err != nil {
		log.WithFields(log.Fields{
			"uri":   uri,
			"size":  len(raw),
			"error": err,
		}).Error("Error parsing source feed")
		return []models.FeedItem{}, err
	}

	log.WithFields(log.Fields{
		"uri":   uri,
		"items": len(items),
	}).Info("Loaded source feed")

	return items, nil
}

// ParseItems repairs and parses a payload, falling back to the untouched payload when
// the repaired one does not parse
func ParseItems(payload string) ([]models.FeedItem, error) {
	payload = firstChannel(payload)
	parser := gofeed.NewParser()

	feed, repairedErr := parser.ParseString(RepairPayload(payload))
	if repairedErr != nil {
		log.WithField("error", repairedErr).Warn("Repaired payload did not parse, trying original")

		var originalErr error
		feed, originalErr = parser.ParseString(payload)
		if originalErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, originalErr)
		}
	}

	items := lo.FilterMap(feed.Items, func(it *gofeed.Item, _ int) (models.FeedItem, bool) {
		if it == nil {
			return models.FeedItem{}, false
		}
		return toFeedItem(it), true
	})

	return models.UniqueItems(items), nil
}

// firstChannel drops every <channel> element after the first one. The rss parser keeps
// the last channel it sees, and only the first one carries announcements.
func firstChannel(payload string) string {
	start := channelOpen(payload, 0)
	if start < 0 {
		return payload
	}
	end := strings.Index(payload[start:], channelClose)
	if end < 0 {
		return payload
	}
	end += start + len(channelClose)

	next := channelOpen(payload, end)
	if next < 0 {
		return payload
	}
	last := strings.LastIndex(payload, channelClose)
	if last < next {
		// unterminated trailing channel
		return payload[:end]
	}
	return payload[:end] + payload[last+len(channelClose):]
}

const channelClose = "</channel>"

// channelOpen returns the offset of the next <channel> start tag at or after from
func channelOpen(payload string, from int) int {
	for from < len(payload) {
		i := strings.Index(payload[from:], "<channel")
		if i < 0 {
			return -1
		}
		i += from
		after := i + len("<channel")
		if after < len(payload) {
			switch payload[after] {
			case '>', '/', ' ', '\t', '\r', '\n':
				return i
			}
		}
		from = after
	}
	return -1
}

func toFeedItem(it *gofeed.Item) models.FeedItem {
	title := strings.TrimSpace(it.Title)
	link := strings.TrimSpace(it.Link)

	// Zero time sorts after everything else
	var published time.Time
	if it.PublishedParsed != nil {
		published = it.PublishedParsed.UTC()
	} else if it.UpdatedParsed != nil {
		published = it.UpdatedParsed.UTC()
	}

	return models.FeedItem{
		Title:       title,
		Link:        link,
		PublishedAt: published,
		SeriesKey:   series.Key(title),
		TorrentID:   torrentID(link, it.GUID),
	}
}

func torrentID(link, guid string) string {
	if u, err := url.Parse(link); err == nil {
		q := u.Query()
		for _, name := range []string{"id", "a"} {
			if v := q.Get(name); isNumeric(v) {
				return v
			}
		}
	}
	if guid = strings.TrimSpace(guid); isNumeric(guid) {
		return guid
	}
	return ""
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
