package epg

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	programs []Program
}

func (s *captureSink) AddProgram(p Program) {
	s.programs = append(s.programs, p)
}

func newTestParser() *Parser {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewParser(log)
}

func serveGzipXML(t *testing.T, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gz := gzip.NewWriter(w)
		defer gz.Close()

		_, _ = gz.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestParse_ValidDocument(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<tv>
  <programme channel="ch1" start="20240115203000 +0000" stop="20240115213000 +0000">
    <title>Evening News</title>
    <desc>The day's headlines.</desc>
    <icon src="http://img.example/news.png"/>
  </programme>
  <programme channel="ch2" start="20240115210000 +0000" stop="20240115220000 +0000">
    <title>Late Movie</title>
  </programme>
</tv>`
	srv := serveGzipXML(t, doc)

	parser := newTestParser()
	sink := &captureSink{}

	err := parser.Parse(context.Background(), srv.URL, sink)
	require.NoError(t, err)

	require.Len(t, sink.programs, 2)

	first := sink.programs[0]
	require.Equal(t, "ch1", first.ChannelID)
	require.Equal(t, "Evening News", first.Title)
	require.Equal(t, "The day's headlines.", first.Description)
	require.Equal(t, "http://img.example/news.png", first.IconURL)
	require.Equal(t, time.Date(2024, 1, 15, 20, 30, 0, 0, time.UTC).UnixMilli(), first.Start)
	require.Equal(t, time.Date(2024, 1, 15, 21, 30, 0, 0, time.UTC).UnixMilli(), first.Stop)

	second := sink.programs[1]
	require.Equal(t, "ch2", second.ChannelID)
	require.Equal(t, "Late Movie", second.Title)
	require.Empty(t, second.Description)
}

func TestParse_TimezoneTokenDiscarded(t *testing.T) {
	doc := `<tv>
  <programme channel="ch1" start="20240115203000 +0530" stop="20240115213000 +0530">
    <title>Offset Show</title>
  </programme>
</tv>`
	srv := serveGzipXML(t, doc)

	parser := newTestParser()
	sink := &captureSink{}

	err := parser.Parse(context.Background(), srv.URL, sink)
	require.NoError(t, err)
	require.Len(t, sink.programs, 1)

	// The +0530 offset is ignored and the timestamp read as GMT.
	require.Equal(t, time.Date(2024, 1, 15, 20, 30, 0, 0, time.UTC).UnixMilli(), sink.programs[0].Start)
}

func TestParse_MalformedProgrammeSkipped(t *testing.T) {
	doc := `<tv>
  <programme channel="ch1" start="garbage" stop="20240115213000 +0000">
    <title>Broken</title>
  </programme>
  <programme channel="ch2" start="20240115210000 +0000" stop="20240115220000 +0000">
    <title>Survivor</title>
  </programme>
</tv>`
	srv := serveGzipXML(t, doc)

	parser := newTestParser()
	sink := &captureSink{}

	err := parser.Parse(context.Background(), srv.URL, sink)
	require.ErrorIs(t, err, ErrMalformedProgrammes)

	// The rest of the document still parsed.
	require.Len(t, sink.programs, 1)
	require.Equal(t, "ch2", sink.programs[0].ChannelID)
	require.Equal(t, "Survivor", sink.programs[0].Title)
}

func TestParse_Non200Aborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	parser := newTestParser()

	err := parser.Parse(context.Background(), srv.URL, &captureSink{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMalformedProgrammes)
}

func TestParse_NotGzipAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<tv></tv>"))
	}))
	defer srv.Close()

	parser := newTestParser()

	err := parser.Parse(context.Background(), srv.URL, &captureSink{})
	require.Error(t, err)
}

func TestParse_ConnectionFailureAborts(t *testing.T) {
	parser := newTestParser()

	err := parser.Parse(context.Background(), "http://127.0.0.1:1/guide.xml.gz", &captureSink{})
	require.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "with offset token",
			value: "20240115203000 +0000",
			want:  time.Date(2024, 1, 15, 20, 30, 0, 0, time.UTC),
		},
		{
			name:  "without offset token",
			value: "20240115203000",
			want:  time.Date(2024, 1, 15, 20, 30, 0, 0, time.UTC),
		},
		{
			name:    "empty",
			value:   "",
			wantErr: true,
		},
		{
			name:    "garbage",
			value:   "not-a-time",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(tt.value)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want.UnixMilli(), got)
		})
	}
}
