// Package tracker resolves subscriber specific download links on the tracker site
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"tvfeed/models"
)

var (
	// ErrUnavailable is a transient failure, the pair is tried again next time it is seen
	ErrUnavailable = errors.New("tracker unavailable")
	// ErrNotOffered means the item has no download at the requested quality
	ErrNotOffered = errors.New("quality not offered")
)

var resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tvfeed_tracker_resolve_total",
	Help: "Download link resolutions by result",
}, []string{"result"})

const (
	DefaultTimeout = 20 * time.Second
	sessionCookie  = "lf_session"
	userCookie     = "uid"
)

var (
	locationReplace = regexp.MustCompile(`location\.(?:replace\(|href\s*=\s*)["']([^"']+)["']`)
	refreshURL      = regexp.MustCompile(`(?i)url\s*=\s*['"]?([^'";]+)`)
)

// Resolver turns a public announcement into a subscriber specific download link
type Resolver interface {
	Resolve(ctx context.Context, item models.FeedItem, creds models.Credentials, quality models.Quality) (string, error)
}

// Client resolves links by following the tracker's search redirect to the torrent
// listing and picking the entry for the requested quality
type Client struct {
	baseURL *url.URL
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid tracker url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tracker url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: u,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (c *Client) Resolve(ctx context.Context, item models.FeedItem, creds models.Credentials, quality models.Quality) (string, error) {
	link, err := c.resolve(ctx, item, creds, quality)

	switch {
	case err == nil:
		resolveTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrNotOffered):
		resolveTotal.WithLabelValues("not_offered").Inc()
	default:
		resolveTotal.WithLabelValues("unavailable").Inc()
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return link, err
}

func (c *Client) resolve(ctx context.Context, item models.FeedItem, creds models.Credentials, quality models.Quality) (string, error) {
	if item.TorrentID == "" {
		return "", fmt.Errorf("%w: %q has no torrent id", ErrNotOffered, item.Title)
	}

	search := c.baseURL.ResolveReference(&url.URL{Path: "v_search.php"})
	search.RawQuery = url.Values{"a": {item.TorrentID}}.Encode()

	doc, final, err := c.get(ctx, search.String(), creds)
	if err != nil {
		return "", err
	}

	if doc.Find(".inner-box--item").Length() == 0 {
		next := redirectTarget(doc)
		if next == "" {
			return "", fmt.Errorf("%w: no listing redirect for torrent %s, session rejected?", ErrUnavailable, item.TorrentID)
		}
		target, err := final.Parse(next)
		if err != nil {
			return "", fmt.Errorf("%w: bad redirect %q", ErrUnavailable, next)
		}

		doc, final, err = c.get(ctx, target.String(), creds)
		if err != nil {
			return "", err
		}
	}

	entries := ParseListing(doc)
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: empty listing for torrent %s", ErrUnavailable, item.TorrentID)
	}

	entry, ok := pick(entries, quality)
	if !ok {
		return "", fmt.Errorf("%w: %s for %q", ErrNotOffered, quality, item.Title)
	}

	link, err := final.Parse(entry.Link)
	if err != nil {
		return "", fmt.Errorf("%w: bad download link %q", ErrUnavailable, entry.Link)
	}

	log.WithFields(log.Fields{
		"torrent": item.TorrentID,
		"quality": quality,
		"user":    creds.UserID,
	}).Debug("Resolved download link")

	return link.String(), nil
}

func (c *Client) get(ctx context.Context, target string, creds models.Credentials) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if creds.Session != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: creds.Session})
	}
	if creds.UserID != "" {
		req.AddCookie(&http.Cookie{Name: userCookie, Value: creds.UserID})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: status %d from %s", ErrUnavailable, resp.StatusCode, resp.Request.URL.Host)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return doc, resp.Request.URL, nil
}

// redirectTarget finds a client side redirect in a page, either a meta refresh or a
// script assigning location
func redirectTarget(doc *goquery.Document) string {
	var target string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return true
		}
		if m := refreshURL.FindStringSubmatch(s.AttrOr("content", "")); m != nil {
			target = strings.TrimSpace(m[1])
			return false
		}
		return true
	})
	if target != "" {
		return target
	}

	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if m := locationReplace.FindStringSubmatch(s.Text()); m != nil {
			target = m[1]
			return false
		}
		return true
	})
	return target
}

// Entry is one download offered on a listing page
type Entry struct {
	Label string
	Link  string
}

// ParseListing extracts the downloads from a torrent listing page
func ParseListing(doc *goquery.Document) []Entry {
	var entries []Entry
	doc.Find(".inner-box--item").Each(func(_ int, s *goquery.Selection) {
		label := strings.TrimSpace(s.Find(".inner-box--label").First().Text())
		link, ok := s.Find(".inner-box--link a[href]").First().Attr("href")
		if !ok {
			link, ok = s.Find("a[href]").First().Attr("href")
		}
		if label == "" || !ok || strings.TrimSpace(link) == "" {
			return
		}
		entries = append(entries, Entry{Label: label, Link: strings.TrimSpace(link)})
	})
	return entries
}

var qualityLabels = map[models.Quality][]string{
	models.QualitySD:  {"SD"},
	models.QualityMP4: {"MP4", "720"},
	models.QualityHD:  {"1080"},
}

func pick(entries []Entry, quality models.Quality) (Entry, bool) {
	for _, want := range qualityLabels[quality] {
		for _, e := range entries {
			if strings.Contains(strings.ToUpper(e.Label), want) {
				return e, true
			}
		}
	}
	return Entry{}, false
}
