// Package store reconciles playlist entries with EPG programs into
// per-channel state and answers channel, program, and URL queries under a
// periodic-refresh policy.
package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swinder0161/iptv-engine/internal/cache"
	"github.com/swinder0161/iptv-engine/internal/epg"
	"github.com/swinder0161/iptv-engine/internal/m3u"
	"github.com/swinder0161/iptv-engine/internal/metrics"
)

// ManifestType is the adaptive-streaming flavor of a channel, inferred
// from its stream URL suffix.
type ManifestType string

// Manifest types.
const (
	ManifestDASH ManifestType = "DASH"
	ManifestHLS  ManifestType = "HLS"
)

const (
	// cacheMaxAge is the staleness window for the persisted URL cache.
	cacheMaxAge = 3 * time.Hour

	// placeholderDuration is the length of the synthesized program
	// emitted when a channel has no guide data at all.
	placeholderDuration = time.Minute
)

// ProviderData is the opaque payload carried by every emitted channel and
// program so the player can re-resolve the stream URL at tune time.
type ProviderData struct {
	ManifestType ManifestType `json:"manifestType"`
	ChannelID    string       `json:"channelId"`
}

// Channel is one entry of the ordered channel list.
type Channel struct {
	DisplayName   string       `json:"displayName"`
	DisplayNumber string       `json:"displayNumber"`
	LogoURL       string       `json:"logoUrl,omitempty"`
	NetworkID     int          `json:"networkId"`
	ProviderData  ProviderData `json:"providerData"`
}

// Program is one entry of a program-window query result. Start and Stop
// are UTC epoch milliseconds.
type Program struct {
	Title        string       `json:"title"`
	Start        int64        `json:"start"`
	Stop         int64        `json:"stop"`
	Description  string       `json:"description,omitempty"`
	Genre        string       `json:"genre"`
	IconURL      string       `json:"iconUrl,omitempty"`
	ProviderData ProviderData `json:"providerData"`
}

// channelState is the reconciliation unit for one channel id. It is
// created on first sighting by either the playlist or the EPG parser and
// never deleted; a state without a manifest entry answers program queries
// but is excluded from the channel list.
type channelState struct {
	entry        *m3u.Entry
	genre        string
	manifestType ManifestType
	programs     map[int64]epg.Program
}

func newChannelState() *channelState {
	return &channelState{
		genre:    GenreOthers,
		programs: make(map[int64]epg.Program),
	}
}

// Store is the central query surface: it merges parser output, buckets
// channels into genres, assigns display numbers, and serves lookups.
// Mutations are serialized by one coarse mutex; refreshes run before the
// lock is taken so parser callbacks can re-enter.
type Store struct {
	log         logrus.FieldLogger
	playlistURL string
	parser      *m3u.Parser
	epgParser   *epg.Parser
	cache       *cache.Cache
	now         func() time.Time

	mu       sync.Mutex
	channels map[string]*channelState
	buckets  []*genreBucket
}

// NewStore creates a store. cache may be nil, in which case URL lookups
// always go through a live parse.
func NewStore(log logrus.FieldLogger, playlistURL string, parser *m3u.Parser, epgParser *epg.Parser, urlCache *cache.Cache) *Store {
	return &Store{
		log:         log.WithField("component", "store"),
		playlistURL: playlistURL,
		parser:      parser,
		epgParser:   epgParser,
		cache:       urlCache,
		now:         time.Now,
		channels:    make(map[string]*channelState),
		buckets:     newGenreBuckets(),
	}
}

// syncHandler feeds one parse run back into the store, carrying the run's
// context so the header callback can chain the EPG fetch.
type syncHandler struct {
	ctx   context.Context
	store *Store
}

// OnHeader chains the EPG fetch against the header's guide URL.
func (h *syncHandler) OnHeader(header m3u.Header) error {
	return h.store.epgParser.Parse(h.ctx, header.GuideURL, h.store)
}

// OnEntry merges a committed playlist entry into the store.
func (h *syncHandler) OnEntry(entry m3u.Entry) error {
	h.store.UpdateChannel(entry)

	return nil
}

// UpdateChannel merges a freshly parsed playlist entry into the channel
// state keyed by its id, re-deriving genre and manifest type.
func (s *Store) UpdateChannel(entry m3u.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[entry.ChannelID]
	if !ok {
		ch = newChannelState()
		s.channels[entry.ChannelID] = ch
	}

	ch.entry = &entry
	ch.manifestType = manifestTypeOf(entry.StreamURL)

	group := strings.ToLower(entry.GroupTitle)
	name := strings.ToLower(entry.ChannelName)

	// Every group-title match overwrites; the name fallback only applies
	// while the channel is still unclassified.
	for _, b := range s.buckets {
		if strings.Contains(group, b.keyword) {
			ch.genre = b.genre
		}

		if ch.genre == GenreOthers && strings.Contains(name, b.keyword) {
			ch.genre = b.genre
		}
	}
}

// AddProgram inserts a parsed program into its channel's sorted program
// collection, creating the channel state if the EPG saw it first.
// Duplicate start times overwrite.
func (s *Store) AddProgram(p epg.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[p.ChannelID]
	if !ok {
		ch = newChannelState()
		s.channels[p.ChannelID] = ch
	}

	ch.programs[p.Start] = p
}

// Channels triggers a blocking full refresh, rebuilds the genre buckets,
// and returns the ordered channel list with display numbers assigned from
// each bucket's reserved base.
func (s *Store) Channels(ctx context.Context) []Channel {
	s.refresh(ctx, m3u.ScopeFull, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebuildBuckets()

	list := make([]Channel, 0, len(s.channels))

	for _, b := range s.buckets {
		number := b.baseNumber

		keys := make([]string, 0, len(b.channels))
		for k := range b.channels {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			ch := b.channels[k]

			networkID, err := channelNetworkID(ch.entry.ChannelID)
			if err != nil {
				s.log.WithError(err).WithField("channel", ch.entry.ChannelID).Warn("Skipping channel with unusable id")

				continue
			}

			list = append(list, Channel{
				DisplayName:   ch.entry.ChannelName,
				DisplayNumber: strconv.Itoa(number),
				LogoURL:       ch.entry.LogoURL,
				NetworkID:     networkID,
				ProviderData: ProviderData{
					ManifestType: ch.manifestType,
					ChannelID:    ch.entry.ChannelID,
				},
			})

			number++
		}
	}

	metrics.Channels.Set(float64(len(list)))

	s.log.WithField("channels", len(list)).Debug("Channel list built")

	return list
}

// rebuildBuckets redistributes every manifest-bearing channel into its
// genre bucket, keyed by lowercased name + id. Callers must hold s.mu.
func (s *Store) rebuildBuckets() {
	for _, b := range s.buckets {
		b.channels = make(map[string]*channelState)
	}

	byGenre := make(map[string]*genreBucket, len(s.buckets))
	for _, b := range s.buckets {
		byGenre[b.genre] = b
	}

	for id, ch := range s.channels {
		if ch.entry == nil {
			s.log.WithField("channel", id).Debug("Skipping channel not present in manifest")

			continue
		}

		bucket := byGenre[ch.genre]
		key := strings.ToLower(ch.entry.ChannelName) + id

		if _, exists := bucket.channels[key]; exists {
			s.log.WithFields(logrus.Fields{
				"channel": id,
				"key":     key,
			}).Warn("Skipping channel already bucketed under same key")

			continue
		}

		bucket.channels[key] = ch
	}
}

// Programs triggers a blocking full refresh and returns the programs of a
// channel from the query window's start onward, including the preceding
// program when it is still active at windowStart. A known channel with no
// matching programs gets one synthesized placeholder so the guide is never
// empty; an unknown channel returns nil.
func (s *Store) Programs(ctx context.Context, channelID string, windowStart, windowEnd int64) []Program {
	s.refresh(ctx, m3u.ScopeFull, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}

	starts := make([]int64, 0, len(ch.programs))
	for start := range ch.programs {
		starts = append(starts, start)
	}

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var (
		list []Program
		prev *epg.Program
	)

	for _, start := range starts {
		p := ch.programs[start]

		if p.Start < windowStart {
			prev = &p

			continue
		}

		if prev != nil && prev.Stop >= windowStart {
			list = append(list, s.outputProgram(ch, channelID, *prev))
			prev = nil
		}

		list = append(list, s.outputProgram(ch, channelID, p))
	}

	if len(list) == 0 {
		now := s.now().UnixMilli()

		list = append(list, s.outputProgram(ch, channelID, epg.Program{
			ChannelID: channelID,
			Start:     now,
			Stop:      now + placeholderDuration.Milliseconds(),
			Title:     displayName(ch, channelID),
		}))
	}

	return list
}

func (s *Store) outputProgram(ch *channelState, channelID string, p epg.Program) Program {
	return Program{
		Title:       p.Title,
		Start:       p.Start,
		Stop:        p.Stop,
		Description: p.Description,
		Genre:       ch.genre,
		IconURL:     p.IconURL,
		ProviderData: ProviderData{
			ManifestType: ch.manifestType,
			ChannelID:    channelID,
		},
	}
}

// ChannelURL resolves the stream URL for a channel id: a fresh cache hit
// is returned directly with a background manifest refresh kicked off,
// otherwise a blocking manifest refresh runs first and the answer comes
// from in-memory state. Empty on total failure.
func (s *Store) ChannelURL(ctx context.Context, channelID string) string {
	if s.cache != nil {
		if url, ok := s.cache.Get(cache.NamespaceStream, channelID, cacheMaxAge); ok {
			s.refresh(ctx, m3u.ScopeManifest, false)

			return url
		}
	}

	s.refresh(ctx, m3u.ScopeManifest, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok || ch.entry == nil {
		return ""
	}

	return ch.entry.StreamURL
}

// ChannelLicenseURL resolves the license-key URL for a channel id with the
// same cache-first policy as ChannelURL.
func (s *Store) ChannelLicenseURL(ctx context.Context, channelID string) string {
	if s.cache != nil {
		if url, ok := s.cache.Get(cache.NamespaceLicense, channelID, cacheMaxAge); ok {
			s.refresh(ctx, m3u.ScopeManifest, false)

			return url
		}
	}

	s.refresh(ctx, m3u.ScopeManifest, true)

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok || ch.entry == nil {
		return ""
	}

	return ch.entry.LicenseKeyURL
}

// Resync kicks a non-blocking full refresh, the entry point for an
// external "force resync" request. The parser's interval check still
// applies.
func (s *Store) Resync(ctx context.Context) {
	s.refresh(ctx, m3u.ScopeFull, false)
}

// ClearCache wipes the persisted URL cache, forcing the next URL lookup
// to perform a live parse.
func (s *Store) ClearCache() error {
	if s.cache == nil {
		return nil
	}

	return s.cache.Clear()
}

// saveToCache persists every manifest-bearing channel's stream and
// license URLs. Best-effort: failures are logged only.
func (s *Store) saveToCache() {
	if s.cache == nil {
		return
	}

	s.mu.Lock()

	streams := make(map[string]string, len(s.channels))
	licenses := make(map[string]string, len(s.channels))

	for id, ch := range s.channels {
		if ch.entry == nil {
			continue
		}

		streams[id] = ch.entry.StreamURL
		licenses[id] = ch.entry.LicenseKeyURL
	}

	s.mu.Unlock()

	if err := s.cache.Save(streams, licenses, s.now()); err != nil {
		s.log.WithError(err).Warn("Failed to persist URL cache")

		return
	}

	s.log.WithField("channels", len(streams)).Debug("URL cache persisted")
}

func displayName(ch *channelState, channelID string) string {
	if ch.entry != nil {
		return ch.entry.ChannelName
	}

	return channelID
}

func manifestTypeOf(url string) ManifestType {
	switch {
	case strings.HasSuffix(url, ".mpd"):
		return ManifestDASH
	case strings.HasSuffix(url, ".m3u8"):
		return ManifestHLS
	}

	return ManifestDASH
}

// channelNetworkID derives the numeric id from the digits of a channel
// id. Ids whose digit run overflows are rejected so the channel is
// skipped rather than emitted with a garbage id.
func channelNetworkID(channelID string) (int, error) {
	var digits strings.Builder

	for _, c := range channelID {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}

	if digits.Len() == 0 {
		return 0, nil
	}

	id, err := strconv.ParseInt(digits.String(), 10, 32)
	if err != nil {
		return 0, err
	}

	return int(id), nil
}
