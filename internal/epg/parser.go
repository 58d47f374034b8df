// Package epg fetches and parses XMLTV electronic program guide documents.
package epg

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/swinder0161/iptv-engine/internal/metrics"
)

// ErrMalformedProgrammes is returned when the document was fully scanned
// but one or more <programme> blocks could not be parsed. Records
// committed before the failure are kept.
var ErrMalformedProgrammes = errors.New("EPG document contained malformed programmes")

const fetchTimeout = 5 * time.Minute

// Guide timestamps look like "20240115203000 +0000". The offset token is
// discarded and the timestamp read as GMT, matching the upstream feeds
// this input was written for.
const timestampLayout = "20060102150405"

// Program is one guide entry for a channel, with start and stop as UTC
// epoch milliseconds.
type Program struct {
	ChannelID   string
	Start       int64
	Stop        int64
	Title       string
	Description string
	IconURL     string
}

// Sink receives programs as they are parsed out of the document.
type Sink interface {
	AddProgram(p Program)
}

// Parser downloads and streaming-parses gzip-compressed XMLTV documents.
type Parser struct {
	log        logrus.FieldLogger
	httpClient *http.Client
}

// NewParser creates an EPG parser.
func NewParser(log logrus.FieldLogger) *Parser {
	return &Parser{
		log: log.WithField("component", "epg-parser"),
		httpClient: &http.Client{
			Timeout: fetchTimeout,
		},
	}
}

// Parse fetches the document at url and feeds every well-formed
// <programme> element to sink. A malformed block is logged and skipped
// without aborting the scan, but marks the overall result as failed; a
// connection, HTTP, or gzip failure aborts immediately.
func (p *Parser) Parse(ctx context.Context, url string, sink Sink) error {
	p.log.WithField("url", url).Info("Fetching EPG")

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

	gzReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()

	count, err := p.scan(gzReader, sink)

	p.log.WithField("programmes", count).Info("EPG parsed")

	return err
}

// scan runs the streaming token loop over one XMLTV document.
func (p *Parser) scan(r io.Reader, sink Sink) (int, error) {
	var (
		decoder = xml.NewDecoder(r)
		program *Program
		field   string
		count   int
		failed  bool
	)

	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return count, fmt.Errorf("error reading EPG document: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "programme":
				prog, err := parseProgrammeStart(t)
				if err != nil {
					p.log.WithError(err).Warn("Skipping malformed programme")
					metrics.ParseErrors.WithLabelValues("programme").Inc()

					failed = true
					program = nil

					continue
				}

				program = prog
			case "title", "desc":
				field = t.Name.Local
			case "icon":
				if program != nil {
					program.IconURL = strings.TrimSpace(attrValue(t, "src"))
				}
			}
		case xml.CharData:
			if program == nil || field == "" {
				continue
			}

			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}

			switch field {
			case "title":
				program.Title = text
			case "desc":
				program.Description = text
			}
		case xml.EndElement:
			field = ""

			if t.Name.Local == "programme" && program != nil {
				sink.AddProgram(*program)
				metrics.Programs.Inc()

				program = nil
				count++
			}
		}
	}

	if failed {
		return count, ErrMalformedProgrammes
	}

	return count, nil
}

func parseProgrammeStart(t xml.StartElement) (*Program, error) {
	start, err := parseTimestamp(attrValue(t, "start"))
	if err != nil {
		return nil, fmt.Errorf("bad start time: %w", err)
	}

	stop, err := parseTimestamp(attrValue(t, "stop"))
	if err != nil {
		return nil, fmt.Errorf("bad stop time: %w", err)
	}

	return &Program{
		ChannelID: strings.TrimSpace(attrValue(t, "channel")),
		Start:     start,
		Stop:      stop,
	}, nil
}

// parseTimestamp converts "yyyyMMddHHmmss <offset>" to UTC epoch millis,
// ignoring the offset token.
func parseTimestamp(value string) (int64, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty timestamp")
	}

	t, err := time.Parse(timestampLayout, fields[0])
	if err != nil {
		return 0, err
	}

	return t.UnixMilli(), nil
}

func attrValue(t xml.StartElement, name string) string {
	for _, attr := range t.Attr {
		if attr.Name.Local == name {
			return attr.Value
		}
	}

	return ""
}
