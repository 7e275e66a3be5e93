package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// GlobalOwnerID is the reserved history owner for the base feed shared by everyone
const GlobalOwnerID = "base"

// FeedItem is a single episode announcement
type FeedItem struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"publishedAt"`
	SeriesKey   string    `json:"seriesKey,omitempty"`
	TorrentID   string    `json:"torrentId,omitempty"`
}

// ItemKey identifies a FeedItem for deduplication. Publish time is not part of it,
// re-parsing the same announcement can yield a different timestamp.
type ItemKey struct {
	Title string
	Link  string
}

func (i FeedItem) Key() ItemKey {
	return ItemKey{Title: i.Title, Link: i.Link}
}

// Equal reports whether two items are the same announcement
func (i FeedItem) Equal(other FeedItem) bool {
	return i.Title == other.Title && i.Link == other.Link
}

// Less orders items newest first, ties broken by case-insensitive title
func Less(a, b FeedItem) bool {
	if !a.PublishedAt.Equal(b.PublishedAt) {
		return a.PublishedAt.After(b.PublishedAt)
	}
	la, lb := strings.ToLower(a.Title), strings.ToLower(b.Title)
	if la != lb {
		return la < lb
	}
	if a.Title != b.Title {
		return a.Title < b.Title
	}
	return a.Link < b.Link
}

// SortItems sorts items in place by the feed order
func SortItems(items []FeedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return Less(items[i], items[j])
	})
}

// UniqueItems returns the items sorted by the feed order with duplicates removed.
// When duplicates carry different timestamps the highest ranked one is kept.
func UniqueItems(items []FeedItem) []FeedItem {
	sorted := make([]FeedItem, len(items))
	copy(sorted, items)
	SortItems(sorted)

	seen := make(map[ItemKey]struct{}, len(sorted))
	unique := make([]FeedItem, 0, len(sorted))
	for _, item := range sorted {
		if _, ok := seen[item.Key()]; ok {
			continue
		}
		seen[item.Key()] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}

// SeriesState tracks the latest episode seen for a series
type SeriesState struct {
	SeriesKey       string    `json:"seriesKey"`
	LastEpisodeAt   time.Time `json:"lastEpisodeAt"`
	LastEpisodeLink string    `json:"lastEpisodeLink"`
}

// Quality is the encoding tier a subscriber wants for a series
type Quality string

const (
	QualitySD  Quality = "SD"
	QualityMP4 Quality = "MP4"
	QualityHD  Quality = "1080"
)

// ParseQuality accepts the names users tend to type for each tier
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sd":
		return QualitySD, nil
	case "mp4", "720", "720p", "hd720":
		return QualityMP4, nil
	case "hd", "1080", "1080p", "fullhd":
		return QualityHD, nil
	}
	return "", fmt.Errorf("unknown quality %q", s)
}

// Subscription links a subscriber to a series in a given quality
type Subscription struct {
	SubscriberID string  `json:"subscriberId"`
	SeriesKey    string  `json:"seriesKey"`
	Quality      Quality `json:"quality"`
}

// Credentials authenticate a subscriber on the tracker
type Credentials struct {
	UserID  string `json:"userId"`
	Session string `json:"-"`
}

// FeedHistory is the bounded list of items served to one owner
type FeedHistory struct {
	OwnerID string     `json:"ownerId"`
	Items   []FeedItem `json:"items"`
}

// Clone returns a deep copy safe to hand to readers
func (h FeedHistory) Clone() FeedHistory {
	items := make([]FeedItem, len(h.Items))
	copy(items, h.Items)
	return FeedHistory{OwnerID: h.OwnerID, Items: items}
}

// FailureKind categorises failures counted during a cycle
type FailureKind string

const (
	FailureFetch              FailureKind = "fetch"
	FailureParse              FailureKind = "parse"
	FailureResolveUnavailable FailureKind = "resolve_unavailable"
	FailureResolveNotOffered  FailureKind = "resolve_not_offered"
	FailureDirectory          FailureKind = "directory"
	FailurePersist            FailureKind = "persist"
)

// CycleReport summarises one ingestion cycle
type CycleReport struct {
	ID                  string              `json:"id"`
	StartedAt           time.Time           `json:"startedAt"`
	Duration            time.Duration       `json:"duration"`
	ItemsFetched        int                 `json:"itemsFetched"`
	ItemsNew            int                 `json:"itemsNew"`
	SubscribersNotified int                 `json:"subscribersNotified"`
	Failures            map[FailureKind]int `json:"failures"`
	Cancelled           bool                `json:"cancelled,omitempty"`
}

// Healthy is false when the source could not be read at all
func (r CycleReport) Healthy() bool {
	return r.Failures[FailureFetch] == 0
}
