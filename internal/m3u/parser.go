// Package m3u provides parsing for extended M3U playlists, including the
// Kodi property lines and attribute micro-syntax used by IPTV providers.
package m3u

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swinder0161/iptv-engine/internal/metrics"
)

var (
	// ErrSyncedRecently is returned when a parse is refused because the
	// scope's minimum resync interval has not elapsed. It is a skip, not a
	// failure: no network I/O happened.
	ErrSyncedRecently = errors.New("playlist synced recently, skipping")
	// ErrMalformedEntries is returned when the playlist was fully scanned
	// but one or more lines or callbacks failed along the way. Entries
	// committed before the failure are kept.
	ErrMalformedEntries = errors.New("playlist contained malformed entries")
	// ErrNoHandler is returned when Parse is invoked without a handler.
	ErrNoHandler = errors.New("no playlist handler provided")
)

const (
	prefixHeader   = "#EXTM3U"
	prefixExtInf   = "#EXTINF:"
	prefixKodiProp = "#KODIPROP:"
	prefixComment  = "#"

	// Some providers emit this placeholder for channels they cannot
	// currently serve; entries carrying it are dropped.
	invalidStreamURL = "http://0.0.0.0:1234"

	attrName       = "name"
	attrType       = "type"
	attrDLNAExtras = "dlna_extras"
	attrPlugin     = "plugin"
	attrGuideURL   = "x-tvg-url"
	attrLogo       = "logo"
	attrID         = "id"
	attrGroupTitle = "group-title"

	attrLicenseType   = "inputstream.adaptive.license_type"
	attrLicenseKeyURL = "inputstream.adaptive.license_key"

	minManifestInterval = 2 * time.Hour
	minFullInterval     = 6 * time.Hour

	fetchTimeout = 5 * time.Minute
)

// Scope selects how much of a resync a parse performs.
type Scope int

const (
	// ScopeManifest refreshes the channel list and stream URLs only.
	ScopeManifest Scope = iota
	// ScopeFull additionally processes the playlist header, which carries
	// the guide URL and so triggers an EPG re-fetch.
	ScopeFull
)

// String returns the scope name for logging.
func (s Scope) String() string {
	if s == ScopeFull {
		return "full"
	}

	return "manifest"
}

// Header holds the attributes of the #EXTM3U header line.
type Header struct {
	Name        string
	MediaType   string
	DLNAProfile string
	Plugin      string
	GuideURL    string
}

// Entry is a committed channel record from the playlist: the merge of an
// #EXTINF line, any preceding #KODIPROP lines, and the stream URL line
// that terminates it.
type Entry struct {
	ChannelID     string
	ChannelName   string
	GroupTitle    string
	Duration      int
	StreamURL     string
	LogoURL       string
	LicenseType   string
	LicenseKeyURL string
	MediaType     string
	DLNAProfile   string
	Plugin        string
}

// Handler receives parse results as they are produced. Returning an error
// marks the overall parse as failed but does not stop the scan.
type Handler interface {
	OnHeader(header Header) error
	OnEntry(entry Entry) error
}

// Parser parses M3U playlists with per-scope rate limiting. All Parse
// calls are serialized behind one mutex; a burst of callers performs at
// most one real fetch per interval because each caller re-checks the
// last-success timestamps after acquiring the lock.
type Parser struct {
	log        logrus.FieldLogger
	httpClient *http.Client
	now        func() time.Time

	minManifest time.Duration
	minFull     time.Duration

	mu               sync.Mutex
	lastFullSync     time.Time
	lastManifestSync time.Time
}

// NewParser creates a playlist parser.
func NewParser(log logrus.FieldLogger) *Parser {
	return &Parser{
		log: log.WithField("component", "m3u-parser"),
		httpClient: &http.Client{
			Timeout: fetchTimeout,
		},
		now:         time.Now,
		minManifest: minManifestInterval,
		minFull:     minFullInterval,
	}
}

// Parse fetches and scans the playlist at url, feeding results to handler.
// It returns ErrSyncedRecently without any I/O when the scope's minimum
// interval since the last successful sync has not elapsed. On success the
// manifest timestamp advances, and for ScopeFull the full timestamp too;
// any failure leaves both untouched so the next eligible request retries.
func (p *Parser) Parse(ctx context.Context, url string, scope Scope, handler Handler) error {
	if handler == nil {
		return ErrNoHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.syncDue(scope) {
		p.log.WithField("scope", scope.String()).Debug("Skipping sync, interval not elapsed")
		metrics.Refreshes.WithLabelValues(scope.String(), "skipped").Inc()

		return ErrSyncedRecently
	}

	p.log.WithFields(logrus.Fields{
		"url":   url,
		"scope": scope.String(),
	}).Info("Syncing playlist")

	if err := p.parse(ctx, url, scope, handler); err != nil {
		metrics.Refreshes.WithLabelValues(scope.String(), "failure").Inc()

		return err
	}

	now := p.now()
	p.lastManifestSync = now

	if scope == ScopeFull {
		p.lastFullSync = now
	}

	metrics.Refreshes.WithLabelValues(scope.String(), "success").Inc()

	return nil
}

// syncDue reports whether enough time has elapsed since the scope's last
// successful sync. Callers must hold p.mu.
func (p *Parser) syncDue(scope Scope) bool {
	now := p.now()

	if scope == ScopeFull {
		return now.Sub(p.lastFullSync) >= p.minFull
	}

	return now.Sub(p.lastManifestSync) >= p.minManifest
}

func (p *Parser) parse(ctx context.Context, url string, scope Scope, handler Handler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var (
		staged *entryBuilder
		failed bool
	)

	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, prefixHeader) && scope == ScopeFull:
			header := parseHeader(strings.TrimSpace(strings.TrimPrefix(line, prefixHeader)))

			if err := handler.OnHeader(header); err != nil {
				p.log.WithError(err).Warn("Header callback failed")

				failed = true
			}
		case strings.HasPrefix(line, prefixKodiProp):
			staged = parseKodiProp(staged, strings.TrimSpace(strings.TrimPrefix(line, prefixKodiProp)))
		case strings.HasPrefix(line, prefixExtInf):
			staged = parseExtInf(staged, strings.TrimSpace(strings.TrimPrefix(line, prefixExtInf)))
		case strings.HasPrefix(line, prefixComment), line == "":
			// Ignored.
		default:
			// Any other non-empty line is the stream URL terminating the
			// staged entry.
			entry, ok := staged.commit(line)
			staged = nil

			if !ok {
				continue
			}

			if err := handler.OnEntry(entry); err != nil {
				p.log.WithError(err).WithField("channel", entry.ChannelID).Warn("Entry callback failed")

				failed = true

				continue
			}

			metrics.PlaylistEntries.Inc()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error scanning playlist: %w", err)
	}

	if failed {
		return ErrMalformedEntries
	}

	return nil
}

func parseHeader(line string) Header {
	attrs := ParseAttributes(line)

	return Header{
		Name:        attrs.Get(attrName),
		MediaType:   attrs.Get(attrType),
		DLNAProfile: attrs.Get(attrDLNAExtras),
		Plugin:      attrs.Get(attrPlugin),
		GuideURL:    attrs.Get(attrGuideURL),
	}
}

// entryBuilder stages one channel entry while its #KODIPROP and #EXTINF
// lines accrete, before the stream URL line commits it.
type entryBuilder struct {
	entry Entry
}

func parseExtInf(staged *entryBuilder, line string) *entryBuilder {
	if staged == nil {
		staged = &entryBuilder{}
	}

	attrs := ParseAttributes(line)

	staged.entry.ChannelID = attrs.Get(attrID)
	staged.entry.ChannelName = attrs.Get(attrChannelName)
	staged.entry.GroupTitle = attrs.Get(attrGroupTitle)
	staged.entry.Duration = parseDuration(attrs.Get(attrDuration))
	staged.entry.LogoURL = attrs.Get(attrLogo)
	staged.entry.MediaType = attrs.Get(attrType)
	staged.entry.DLNAProfile = attrs.Get(attrDLNAExtras)
	staged.entry.Plugin = attrs.Get(attrPlugin)

	return staged
}

func parseKodiProp(staged *entryBuilder, line string) *entryBuilder {
	if staged == nil {
		staged = &entryBuilder{}
	}

	attrs := ParseAttributes(line)

	if v := attrs.Get(attrLicenseType); v != "" {
		staged.entry.LicenseType = v
	}

	if v := attrs.Get(attrLicenseKeyURL); v != "" {
		staged.entry.LicenseKeyURL = v
	}

	return staged
}

// commit finalizes the staged entry with its stream URL. It reports false
// when there is nothing staged or the URL is the invalid sentinel.
func (b *entryBuilder) commit(url string) (Entry, bool) {
	if b == nil || url == invalidStreamURL {
		return Entry{}, false
	}

	b.entry.StreamURL = url

	return b.entry, true
}

func parseDuration(value string) int {
	d, err := strconv.Atoi(value)
	if err != nil {
		return -1
	}

	return d
}
