// Package codec decodes raw feed frames into validated quote rows.
package codec

import (
	"bytes"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/coachpo/spreadfeed/errs"
	"github.com/coachpo/spreadfeed/internal/schema"
)

// Stats counts how a decoded payload broke down by frame class.
type Stats struct {
	Rows    int `json:"rows"`
	Control int `json:"control"`
	Invalid int `json:"invalid"`
}

const previewLimit = 64

var requiredKeys = []string{"token", "aExchange", "bExchange", "priceA", "priceB", "spread", "network", "limit"}

// Decode parses one feed frame. A frame is either a bare JSON object or an
// array of objects; items that are control frames or fail row validation are
// counted in Stats rather than surfacing as errors. Only a payload that is
// not valid JSON at all returns an error.
//
// Accepted rows preserve wire order. Text and binary frames share this path;
// the transport hands over raw bytes either way.
func Decode(payload []byte) ([]schema.QuoteRow, Stats, error) {
	var stats Stats
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, stats, nil
	}

	items, err := splitItems(trimmed)
	if err != nil {
		return nil, stats, errs.New("codec/decode", errs.CodeDecode,
			errs.WithMessage("payload is not valid JSON"),
			errs.WithPreview(Preview(trimmed)),
			errs.WithCause(err))
	}

	rows := make([]schema.QuoteRow, 0, len(items))
	for _, item := range items {
		switch row, kind := classify(item); kind {
		case kindRow:
			rows = append(rows, row)
			stats.Rows++
		case kindControl:
			stats.Control++
		default:
			stats.Invalid++
		}
	}
	return rows, stats, nil
}

// splitItems turns the payload into its element sequence: arrays yield their
// elements in order, any other JSON value yields itself as a one-item batch.
func splitItems(trimmed []byte) ([]json.RawMessage, error) {
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var single json.RawMessage
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []json.RawMessage{single}, nil
}

type itemKind int

const (
	kindInvalid itemKind = iota
	kindControl
	kindRow
)

func classify(item json.RawMessage) (schema.QuoteRow, itemKind) {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return schema.QuoteRow{}, kindInvalid
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return schema.QuoteRow{}, kindInvalid
	}

	if rawType, ok := fields["type"]; ok {
		var discriminator string
		if err := json.Unmarshal(rawType, &discriminator); err == nil {
			if _, control := schema.ControlTypeOf(discriminator); control {
				return schema.QuoteRow{}, kindControl
			}
		}
	}

	for _, key := range requiredKeys {
		raw, ok := fields[key]
		if !ok || isNull(raw) {
			return schema.QuoteRow{}, kindInvalid
		}
	}

	values := make(map[string]string, len(requiredKeys))
	for _, key := range requiredKeys {
		text, ok := flexString(fields[key])
		if !ok {
			return schema.QuoteRow{}, kindInvalid
		}
		values[key] = text
	}

	row := schema.QuoteRow{
		Token:     schema.NormalizeSymbol(values["token"]),
		Network:   schema.NormalizeNetwork(values["network"]),
		AExchange: strings.TrimSpace(values["aExchange"]),
		BExchange: strings.TrimSpace(values["bExchange"]),
		PriceA:    strings.TrimSpace(values["priceA"]),
		PriceB:    strings.TrimSpace(values["priceB"]),
		Spread:    strings.TrimSpace(values["spread"]),
		Limit:     strings.TrimSpace(values["limit"]),
	}
	if err := row.Validate(); err != nil {
		return schema.QuoteRow{}, kindInvalid
	}
	return row, kindRow
}

// flexString extracts a textual value from a JSON string or number. Feed
// versions disagree on whether prices are quoted, so both spellings decode
// to the exact wire text.
func flexString(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", false
	}
	return n.String(), true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// Preview bounds a payload excerpt for error envelopes and reject records,
// backing off to the last rune boundary so logs never carry a torn UTF-8
// sequence.
func Preview(payload []byte) string {
	if len(payload) <= previewLimit {
		return string(payload)
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(payload[cut]) {
		cut--
	}
	return string(payload[:cut])
}
