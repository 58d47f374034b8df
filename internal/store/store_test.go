package store

import (
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/swinder0161/iptv-engine/internal/cache"
	"github.com/swinder0161/iptv-engine/internal/epg"
	"github.com/swinder0161/iptv-engine/internal/m3u"
)

// deadURL fails fast, so refresh attempts triggered by queries degrade
// gracefully and answers come from existing in-memory state.
const deadURL = "http://127.0.0.1:1/playlist.m3u"

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func newTestStore(t *testing.T, playlistURL string, urlCache *cache.Cache) *Store {
	t.Helper()

	log := quietLogger()

	return NewStore(log, playlistURL, m3u.NewParser(log), epg.NewParser(log), urlCache)
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	c, err := cache.Open(quietLogger(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	t.Cleanup(func() { c.Close() })

	return c
}

func manifestEntry(id, name, group, streamURL string) m3u.Entry {
	return m3u.Entry{
		ChannelID:   id,
		ChannelName: name,
		GroupTitle:  group,
		Duration:    -1,
		StreamURL:   streamURL,
	}
}

func TestUpdateChannel_GenreAssignment(t *testing.T) {
	tests := []struct {
		name     string
		group    string
		chName   string
		expected string
	}{
		{
			name:     "group title keyword",
			group:    "Hollywood Movies",
			chName:   "Channel One",
			expected: GenreMovies,
		},
		{
			name:     "group title case insensitive",
			group:    "LIVE SPORTS HD",
			chName:   "Channel One",
			expected: GenreSports,
		},
		{
			name:     "multiple group keywords takes last bucket",
			group:    "movie sport",
			chName:   "Channel One",
			expected: GenreSports,
		},
		{
			name:     "name fallback",
			group:    "General",
			chName:   "B4U Music",
			expected: GenreMusic,
		},
		{
			name:     "group match outranks later name fallback",
			group:    "news",
			chName:   "Movie Mania",
			expected: GenreNews,
		},
		{
			name:     "no match defaults to others",
			group:    "General",
			chName:   "Channel One",
			expected: GenreOthers,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, deadURL, nil)

			s.UpdateChannel(manifestEntry("ch1", tt.chName, tt.group, "http://stream.example/ch1.m3u8"))

			require.Equal(t, tt.expected, s.channels["ch1"].genre)
		})
	}
}

func TestUpdateChannel_ManifestType(t *testing.T) {
	tests := []struct {
		url      string
		expected ManifestType
	}{
		{"http://stream.example/ch1.mpd", ManifestDASH},
		{"http://stream.example/ch1.m3u8", ManifestHLS},
		{"http://stream.example/ch1.ts", ManifestDASH},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			s := newTestStore(t, deadURL, nil)

			s.UpdateChannel(manifestEntry("ch1", "Channel One", "", tt.url))

			require.Equal(t, tt.expected, s.channels["ch1"].manifestType)
		})
	}
}

func TestAddProgram_CreatesChannelState(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.AddProgram(epg.Program{ChannelID: "epgfirst", Start: 1000, Stop: 2000, Title: "Show"})

	require.Contains(t, s.channels, "epgfirst")
	require.Nil(t, s.channels["epgfirst"].entry)
}

func TestAddProgram_DuplicateStartOverwrites(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.AddProgram(epg.Program{ChannelID: "ch1", Start: 1000, Stop: 2000, Title: "First"})
	s.AddProgram(epg.Program{ChannelID: "ch1", Start: 1000, Stop: 2500, Title: "Second"})

	require.Len(t, s.channels["ch1"].programs, 1)
	require.Equal(t, "Second", s.channels["ch1"].programs[1000].Title)
}

func TestChannels_ManifestGating(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.UpdateChannel(manifestEntry("tunable", "Tunable", "Movies", "http://stream.example/t.m3u8"))
	s.AddProgram(epg.Program{ChannelID: "epgonly", Start: 1000, Stop: 2000, Title: "Ghost Show"})

	channels := s.Channels(context.Background())

	require.Len(t, channels, 1)
	require.Equal(t, "Tunable", channels[0].DisplayName)

	// The EPG-only channel still answers program queries.
	programs := s.Programs(context.Background(), "epgonly", 0, 5000)
	require.Len(t, programs, 1)
	require.Equal(t, "Ghost Show", programs[0].Title)
}

func TestChannels_DisplayNumbers(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.UpdateChannel(manifestEntry("m2", "Beta Movies", "Movies", "http://stream.example/m2.m3u8"))
	s.UpdateChannel(manifestEntry("m1", "Alpha Movies", "Movies", "http://stream.example/m1.m3u8"))
	s.UpdateChannel(manifestEntry("s1", "Sports One", "Sports", "http://stream.example/s1.m3u8"))
	s.UpdateChannel(manifestEntry("o1", "Oddball", "General", "http://stream.example/o1.m3u8"))

	channels := s.Channels(context.Background())
	require.Len(t, channels, 4)

	// Movies bucket first, sorted by channel key, numbered from 1.
	require.Equal(t, "Alpha Movies", channels[0].DisplayName)
	require.Equal(t, "1", channels[0].DisplayNumber)
	require.Equal(t, "Beta Movies", channels[1].DisplayName)
	require.Equal(t, "2", channels[1].DisplayNumber)

	// Sports bucket starts at its reserved base.
	require.Equal(t, "Sports One", channels[2].DisplayName)
	require.Equal(t, "101", channels[2].DisplayNumber)

	// Unclassified channels land in Others.
	require.Equal(t, "Oddball", channels[3].DisplayName)
	require.Equal(t, "1001", channels[3].DisplayNumber)

	// No display number is assigned twice.
	seen := make(map[string]bool)
	for _, ch := range channels {
		require.False(t, seen[ch.DisplayNumber], "duplicate display number %s", ch.DisplayNumber)

		seen[ch.DisplayNumber] = true
	}
}

func TestChannels_ProviderData(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.UpdateChannel(manifestEntry("abc123", "Channel One", "Movies", "http://stream.example/ch1.mpd"))

	channels := s.Channels(context.Background())
	require.Len(t, channels, 1)

	require.Equal(t, 123, channels[0].NetworkID)
	require.Equal(t, ManifestDASH, channels[0].ProviderData.ManifestType)
	require.Equal(t, "abc123", channels[0].ProviderData.ChannelID)
}

func TestPrograms_Window(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.UpdateChannel(manifestEntry("ch1", "Channel One", "", "http://stream.example/ch1.m3u8"))
	s.AddProgram(epg.Program{ChannelID: "ch1", Start: 1000, Stop: 2000, Title: "Early"})
	s.AddProgram(epg.Program{ChannelID: "ch1", Start: 2000, Stop: 3000, Title: "Running"})
	s.AddProgram(epg.Program{ChannelID: "ch1", Start: 3000, Stop: 4000, Title: "Later"})

	programs := s.Programs(context.Background(), "ch1", 2500, 5000)

	// The program already running at window start is included ahead of
	// everything that starts inside the window.
	require.Len(t, programs, 2)
	require.Equal(t, "Running", programs[0].Title)
	require.Equal(t, "Later", programs[1].Title)
}

func TestPrograms_AllBeforeWindowSynthesizesPlaceholder(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.UpdateChannel(manifestEntry("ch1", "Channel One", "", "http://stream.example/ch1.m3u8"))
	s.AddProgram(epg.Program{ChannelID: "ch1", Start: 1000, Stop: 2000, Title: "Ancient"})

	programs := s.Programs(context.Background(), "ch1", 900000, 950000)

	require.Len(t, programs, 1)
	require.Equal(t, "Channel One", programs[0].Title)
}

func TestPrograms_Placeholder(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	fixed := time.Now()
	s.now = func() time.Time { return fixed }

	s.UpdateChannel(manifestEntry("ch1", "Channel One", "Movies", "http://stream.example/ch1.m3u8"))

	programs := s.Programs(context.Background(), "ch1", fixed.UnixMilli(), fixed.Add(time.Hour).UnixMilli())

	require.Len(t, programs, 1)
	require.Equal(t, "Channel One", programs[0].Title)
	require.Equal(t, fixed.UnixMilli(), programs[0].Start)
	require.Equal(t, fixed.UnixMilli()+time.Minute.Milliseconds(), programs[0].Stop)
	require.Equal(t, GenreMovies, programs[0].Genre)
	require.Equal(t, "ch1", programs[0].ProviderData.ChannelID)
}

func TestPrograms_UnknownChannel(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	require.Nil(t, s.Programs(context.Background(), "missing", 0, 1000))
}

func TestChannelURL_FromState(t *testing.T) {
	s := newTestStore(t, deadURL, nil)

	s.UpdateChannel(manifestEntry("ch1", "Channel One", "", "http://stream.example/ch1.m3u8"))

	require.Equal(t, "http://stream.example/ch1.m3u8", s.ChannelURL(context.Background(), "ch1"))
	require.Empty(t, s.ChannelURL(context.Background(), "missing"))
}

func TestChannelURL_CacheHit(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Save(
		map[string]string{"ch1": "http://cached.example/ch1.m3u8"},
		map[string]string{"ch1": "http://cached.example/license"},
		time.Now(),
	))

	s := newTestStore(t, deadURL, c)

	// Fresh cache answers directly even though the live refresh fails.
	require.Equal(t, "http://cached.example/ch1.m3u8", s.ChannelURL(context.Background(), "ch1"))
	require.Equal(t, "http://cached.example/license", s.ChannelLicenseURL(context.Background(), "ch1"))
}

func TestChannelURL_StaleCacheFallsBackToState(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Save(
		map[string]string{"ch1": "http://cached.example/stale.m3u8"},
		nil,
		time.Now().Add(-4*time.Hour),
	))

	s := newTestStore(t, deadURL, c)
	s.UpdateChannel(manifestEntry("ch1", "Channel One", "", "http://live.example/ch1.m3u8"))

	require.Equal(t, "http://live.example/ch1.m3u8", s.ChannelURL(context.Background(), "ch1"))
}

func TestSaveToCache(t *testing.T) {
	c := newTestCache(t)
	s := newTestStore(t, deadURL, c)

	entry := manifestEntry("ch1", "Channel One", "", "http://stream.example/ch1.m3u8")
	entry.LicenseKeyURL = "http://license.example/ch1"
	s.UpdateChannel(entry)

	s.AddProgram(epg.Program{ChannelID: "epgonly", Start: 1000, Stop: 2000, Title: "Ghost"})

	s.saveToCache()

	url, ok := c.Get(cache.NamespaceStream, "ch1", 3*time.Hour)
	require.True(t, ok)
	require.Equal(t, "http://stream.example/ch1.m3u8", url)

	url, ok = c.Get(cache.NamespaceLicense, "ch1", 3*time.Hour)
	require.True(t, ok)
	require.Equal(t, "http://license.example/ch1", url)

	// Manifest-less channels are not persisted.
	_, ok = c.Get(cache.NamespaceStream, "epgonly", 3*time.Hour)
	require.False(t, ok)
}

func TestClearCache(t *testing.T) {
	c := newTestCache(t)
	s := newTestStore(t, deadURL, c)

	s.UpdateChannel(manifestEntry("ch1", "Channel One", "", "http://stream.example/ch1.m3u8"))
	s.saveToCache()

	require.NoError(t, s.ClearCache())

	_, ok := c.Get(cache.NamespaceStream, "ch1", 3*time.Hour)
	require.False(t, ok)
}

func TestChannelNetworkID(t *testing.T) {
	tests := []struct {
		id       string
		expected int
		wantErr  bool
	}{
		{id: "abc123", expected: 123},
		{id: "1a2b3c", expected: 123},
		{id: "nodigits", expected: 0},
		{id: "99999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := channelNetworkID(tt.id)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestEndToEnd_FullSync(t *testing.T) {
	epgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gz := gzip.NewWriter(w)
		defer gz.Close()

		_, _ = gz.Write([]byte(`<tv></tv>`))
	}))
	defer epgSrv.Close()

	playlist := fmt.Sprintf(`#EXTM3U x-tvg-url=%q
#EXTINF:-1 tvg-id="ch1" group-title="Movies",Channel One
http://stream.example/ch1.m3u8
`, epgSrv.URL)

	playlistSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playlist))
	}))
	defer playlistSrv.Close()

	s := newTestStore(t, playlistSrv.URL, nil)

	channels := s.Channels(context.Background())
	require.Len(t, channels, 1)
	require.Equal(t, "Channel One", channels[0].DisplayName)
	require.Equal(t, "1", channels[0].DisplayNumber)
	require.Equal(t, ManifestHLS, channels[0].ProviderData.ManifestType)
	require.Equal(t, "ch1", channels[0].ProviderData.ChannelID)

	// The guide had no programs, so the window gets a placeholder.
	now := time.Now().UnixMilli()

	programs := s.Programs(context.Background(), "ch1", now, now+3600000)
	require.Len(t, programs, 1)
	require.Equal(t, "Channel One", programs[0].Title)
	require.Equal(t, GenreMovies, programs[0].Genre)

	require.Equal(t, "http://stream.example/ch1.m3u8", s.ChannelURL(context.Background(), "ch1"))
}
