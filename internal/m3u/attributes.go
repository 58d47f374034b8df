package m3u

import (
	"strings"
)

const (
	attrChannelName = "channel_name"
	attrDuration    = "duration"

	tvgPrefix = "tvg-"
	tvgSuffix = "-tvg"
)

// Attributes is the key/value mapping parsed from a single playlist
// attribute line.
type Attributes map[string]string

// Get returns the value for key, falling back to the "tvg-<key>" and
// "<key>-tvg" spellings used by different playlist producers.
func (a Attributes) Get(key string) string {
	if v, ok := a[key]; ok {
		return v
	}

	if v, ok := a[tvgPrefix+key]; ok {
		return v
	}

	return a[key+tvgSuffix]
}

type scanState int

const (
	stateReady scanState = iota
	stateReadingKey
	stateKeyReady
	stateReadingValue
)

// ParseAttributes tokenizes a 'key=value key2="quoted value",Display Name'
// line into an attribute mapping. An optional leading signed digit run is
// consumed as the "duration" attribute before key scanning begins, and a
// bare comma turns the remainder of the line into "channel_name".
func ParseAttributes(line string) Attributes {
	attrs := make(Attributes)

	if line == "" {
		return attrs
	}

	line = consumeDuration(line, attrs)

	var (
		state     = stateReady
		connector strings.Builder
		key       string
		quoted    bool
	)

	i := 0
	for i < len(line) {
		c := line[i]
		i++

		switch state {
		case stateReady:
			if isSpace(c) {
				continue
			}

			if c == ',' {
				attrs[attrChannelName] = line[i:]
				i = len(line)

				continue
			}

			connector.WriteByte(c)

			state = stateReadingKey
		case stateReadingKey:
			if c == '=' {
				key = strings.TrimSpace(key + connector.String())
				connector.Reset()
				state = stateKeyReady
			} else {
				connector.WriteByte(c)
			}
		case stateKeyReady:
			if isSpace(c) {
				continue
			}

			if c == '"' {
				quoted = true
			} else {
				connector.WriteByte(c)
			}

			state = stateReadingValue
		case stateReadingValue:
			if quoted {
				// Quoted values run to the closing quote; the current
				// byte has already been consumed as part of the value.
				connector.WriteByte(c)

				end := strings.Index(line[i:], `"`)
				if end == -1 {
					end = len(line) - i
				}

				connector.WriteString(line[i : i+end])
				attrs[key] = connector.String()

				i += end + 1
				quoted = false
				key = ""

				connector.Reset()

				state = stateReady

				continue
			}

			if isSpace(c) {
				if connector.Len() > 0 {
					attrs[key] = connector.String()
					connector.Reset()
				}

				key = ""
				state = stateReady
			} else {
				connector.WriteByte(c)
			}
		}
	}

	// An unquoted value still pending at end of line is committed only
	// when non-empty.
	if key != "" && connector.Len() > 0 {
		attrs[key] = connector.String()
	}

	return attrs
}

// consumeDuration strips a leading optional-sign digit run off the line,
// recording it verbatim as the duration attribute.
func consumeDuration(line string, attrs Attributes) string {
	c := line[0]
	if c != '-' && !isDigit(c) {
		return line
	}

	i := 1
	for i < len(line) && isDigit(line[i]) {
		i++
	}

	attrs[attrDuration] = line[:i]

	return strings.TrimSpace(line[i:])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}

	return false
}
