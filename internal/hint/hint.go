// Package hint parses the Memstate-Hint header, a structured field
// dictionary (RFC 8941) carrying per-entry cache options:
//
//	Memstate-Hint: priority=high, weight=4
//	Memstate-Hint: skip
package hint

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shogo82148/go-sfv"

	"github.com/lucasew/memstate"
)

// Header is the canonical header name.
const Header = "Memstate-Hint"

var ErrInvalidHint = errors.New("invalid hint")

// Hint holds the options found in a header. Fields not present in the header
// keep their zero value and the matching Has flag stays false.
type Hint struct {
	Priority    memstate.Priority
	HasPriority bool
	Weight      int64
	HasWeight   bool
	// Skip asks the receiver not to cache the entry.
	Skip bool
}

// Parse decodes the header field values. Unknown keys are ignored so that
// newer clients can talk to older servers.
func Parse(values []string) (Hint, error) {
	var h Hint
	if len(values) == 0 {
		return h, nil
	}

	dict, err := sfv.DecodeDictionary(values)
	if err != nil {
		return h, fmt.Errorf("%w: %w", ErrInvalidHint, err)
	}

	for _, member := range dict {
		switch member.Key {
		case "priority":
			s, ok := tokenOrString(member.Item.Value)
			if !ok {
				return h, fmt.Errorf("%w: priority must be a token", ErrInvalidHint)
			}
			p, err := memstate.ParsePriority(s)
			if err != nil {
				return h, fmt.Errorf("%w: %w", ErrInvalidHint, err)
			}
			h.Priority, h.HasPriority = p, true
		case "weight":
			w, ok := member.Item.Value.(int64)
			if !ok || w < 0 {
				return h, fmt.Errorf("%w: weight must be a non-negative integer", ErrInvalidHint)
			}
			h.Weight, h.HasWeight = w, true
		case "skip":
			b, ok := member.Item.Value.(bool)
			if !ok {
				return h, fmt.Errorf("%w: skip must be a boolean", ErrInvalidHint)
			}
			h.Skip = b
		}
	}
	return h, nil
}

// FromHeader parses the Memstate-Hint values of header.
func FromHeader(header http.Header) (Hint, error) {
	return Parse(header.Values(Header))
}

// Format encodes h as a header value.
func (h Hint) Format() (string, error) {
	var dict sfv.Dictionary
	if h.HasPriority {
		dict = append(dict, sfv.DictMember{Key: "priority", Item: sfv.Item{Value: sfv.Token(h.Priority.String())}})
	}
	if h.HasWeight {
		dict = append(dict, sfv.DictMember{Key: "weight", Item: sfv.Item{Value: h.Weight}})
	}
	if h.Skip {
		dict = append(dict, sfv.DictMember{Key: "skip", Item: sfv.Item{Value: true}})
	}
	if len(dict) == 0 {
		return "", nil
	}
	return sfv.EncodeDictionary(dict)
}

// Options converts the hint into Set options, starting from the defaults.
func (h Hint) Options(defaults ...memstate.SetOption) []memstate.SetOption {
	opts := append([]memstate.SetOption(nil), defaults...)
	if h.HasPriority {
		opts = append(opts, memstate.WithPriority(h.Priority))
	}
	if h.HasWeight {
		opts = append(opts, memstate.WithSize(h.Weight))
	}
	return opts
}

func tokenOrString(v any) (string, bool) {
	switch v := v.(type) {
	case sfv.Token:
		return string(v), true
	case string:
		return v, true
	}
	return "", false
}
