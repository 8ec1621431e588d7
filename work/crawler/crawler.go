package crawler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamfox/work/logger"
	"streamfox/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// maxFetchBytes caps how much of a page or playlist body is read. Stream
// pages are small; anything larger is a media payload we must not buffer.
const maxFetchBytes = 4 << 20

var (
	// streamURLRe matches direct media URLs inside page text, including ones
	// that only appear in inline scripts.
	streamURLRe = regexp.MustCompile(`https?://[^\s"'<>\\]+\.(?:m3u8|mp4|ts|mpd|webm)(?:\?[^\s"'<>\\]*)?`)

	// srcAttrRe pulls src/href attributes from video, source and iframe tags
	// so relative media references and embedded players are followed too.
	srcAttrRe = regexp.MustCompile(`(?is)<(?:video|source|iframe)[^>]+(?:src|href)\s*=\s*["']([^"']+)["']`)

	// pageLinkRe finds same-origin anchor targets for depth-limited following.
	pageLinkRe = regexp.MustCompile(`(?is)<a[^>]+href\s*=\s*["']([^"'#]+)["']`)
)

// Crawler discovers candidate stream endpoints from web pages. Starting from
// the configured source URLs it fetches each page, extracts direct media
// URLs and embedded player references, expands master playlists into their
// variant streams, and follows same-origin links up to a depth limit. Pages
// are fetched concurrently on a bounded worker pool; the visited and found
// sets are shared across workers.
type Crawler struct {
	client    *http.Client
	workers   int
	maxDepth  int
	obfuscate bool
}

// New creates a Crawler fetching with the given timeout, running up to
// workers concurrent page fetches and following links maxDepth levels deep
// (0 means only the source pages themselves).
func New(timeout time.Duration, workers, maxDepth int, obfuscateUrls bool) *Crawler {
	if workers < 1 {
		workers = 1
	}
	return &Crawler{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		workers:   workers,
		maxDepth:  maxDepth,
		obfuscate: obfuscateUrls,
	}
}

// Discover crawls the source URLs and returns every distinct stream endpoint
// found, in discovery order. Per-page errors are logged and skipped; an error
// is returned only when the worker pool itself cannot be created.
func (c *Crawler) Discover(sources []string) ([]string, error) {
	visited := xsync.NewMapOf[string, bool]()
	found := xsync.NewMapOf[string, bool]()

	var orderMu sync.Mutex
	var ordered []string

	// Nonblocking: workers submit follow-up pages themselves, and a blocking
	// Submit from inside a worker would deadlock a full pool. Overflow tasks
	// run inline instead.
	workerPool, err := ants.NewPool(c.workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create crawl worker pool: %w", err)
	}
	defer workerPool.Release()

	var wg sync.WaitGroup

	var crawl func(pageURL string, depth int)
	crawl = func(pageURL string, depth int) {
		defer wg.Done()

		if _, loaded := visited.LoadOrStore(pageURL, true); loaded {
			return
		}

		streams, links := c.crawlPage(pageURL)
		for _, s := range streams {
			if _, loaded := found.LoadOrStore(s, true); !loaded {
				orderMu.Lock()
				ordered = append(ordered, s)
				orderMu.Unlock()
				logger.Debug("[CRAWLER] found stream: %s", utils.LogURL(c.obfuscate, s))
			}
		}

		if depth >= c.maxDepth {
			return
		}
		for _, link := range links {
			link := link
			wg.Add(1)
			if err := workerPool.Submit(func() { crawl(link, depth+1) }); err != nil {
				crawl(link, depth+1)
			}
		}
	}

	for _, src := range sources {
		src := strings.TrimSpace(src)
		if src == "" {
			continue
		}
		wg.Add(1)
		if err := workerPool.Submit(func() { crawl(src, 0) }); err != nil {
			crawl(src, 0)
		}
	}
	wg.Wait()

	logger.Info("[CRAWLER] discovered %d stream(s) from %d source(s)", len(ordered), len(sources))
	return ordered, nil
}

// crawlPage fetches one page and returns the stream URLs it yields plus the
// same-origin links worth following.
func (c *Crawler) crawlPage(pageURL string) (streams, links []string) {
	base, err := url.Parse(pageURL)
	if err != nil {
		logger.Warn("[CRAWLER] skipping malformed URL: %s", utils.LogURL(c.obfuscate, pageURL))
		return nil, nil
	}

	// A source may itself be a playlist rather than a page.
	if isPlaylistURL(pageURL) {
		return c.expandPlaylist(pageURL), nil
	}

	body, err := c.fetch(pageURL)
	if err != nil {
		logger.Warn("[CRAWLER] fetch failed for %s: %v", utils.LogURL(c.obfuscate, pageURL), err)
		return nil, nil
	}

	seen := make(map[string]bool)
	add := func(raw string) {
		abs := resolveURL(base, raw)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		if isPlaylistURL(abs) {
			streams = append(streams, c.expandPlaylist(abs)...)
		} else {
			streams = append(streams, abs)
		}
	}

	for _, m := range streamURLRe.FindAllString(string(body), -1) {
		add(m)
	}
	for _, m := range srcAttrRe.FindAllStringSubmatch(string(body), -1) {
		candidate := m[1]
		if isMediaURL(candidate) || strings.Contains(candidate, "embed") {
			add(candidate)
		}
	}

	for _, m := range pageLinkRe.FindAllStringSubmatch(string(body), -1) {
		abs := resolveURL(base, m[1])
		if abs == "" || isMediaURL(abs) {
			continue
		}
		if linkURL, err := url.Parse(abs); err == nil && linkURL.Host == base.Host {
			links = append(links, abs)
		}
	}

	return streams, links
}

// expandPlaylist resolves an HLS playlist URL into playable endpoints. A
// master playlist yields its variant URIs; a media playlist (or anything we
// cannot parse) is returned as-is — the playlist URL itself is playable.
func (c *Crawler) expandPlaylist(playlistURL string) []string {
	if !strings.Contains(playlistURL, ".m3u8") {
		return []string{playlistURL}
	}

	body, err := c.fetch(playlistURL)
	if err != nil {
		logger.Debug("[CRAWLER] playlist fetch failed for %s: %v",
			utils.LogURL(c.obfuscate, playlistURL), err)
		return []string{playlistURL}
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil || listType != m3u8.MASTER {
		return []string{playlistURL}
	}

	master, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return []string{playlistURL}
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		return []string{playlistURL}
	}

	var variants []string
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		if abs := resolveURL(base, v.URI); abs != "" {
			variants = append(variants, abs)
		}
	}
	if len(variants) == 0 {
		return []string{playlistURL}
	}

	logger.Debug("[CRAWLER] expanded master playlist %s into %d variant(s)",
		utils.LogURL(c.obfuscate, playlistURL), len(variants))
	return variants
}

func (c *Crawler) fetch(rawURL string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) streamfox/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

func isMediaURL(raw string) bool {
	stripped := raw
	if i := strings.IndexAny(stripped, "?#"); i >= 0 {
		stripped = stripped[:i]
	}
	for _, ext := range []string{".m3u8", ".mp4", ".ts", ".mpd", ".webm"} {
		if strings.HasSuffix(stripped, ext) {
			return true
		}
	}
	return false
}

func isPlaylistURL(raw string) bool {
	stripped := raw
	if i := strings.IndexAny(stripped, "?#"); i >= 0 {
		stripped = stripped[:i]
	}
	return strings.HasSuffix(stripped, ".m3u8")
}

// resolveURL makes raw absolute against base; returns "" for anything that
// is not http(s).
func resolveURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return abs.String()
}
