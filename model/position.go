package model

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Position is an oplog timestamp. It orders ops, resumes a tail and is
// stored as the checkpoint.
type Position primitive.Timestamp

// NewPosition builds a Position from seconds and increment.
func NewPosition(t, i uint32) Position {
	return Position{T: t, I: i}
}

func (p Position) Timestamp() primitive.Timestamp {
	return primitive.Timestamp(p)
}

func (p Position) IsZero() bool {
	return p.T == 0 && p.I == 0
}

// Uint64 packs the position the way the server does: seconds in the high
// word, increment in the low word.
func (p Position) Uint64() uint64 {
	return uint64(p.T)<<32 | uint64(p.I)
}

// String renders the packed decimal form.
func (p Position) String() string {
	return strconv.FormatUint(p.Uint64(), 10)
}

// Compare returns -1, 0 or 1.
func (p Position) Compare(other Position) int {
	a, b := p.Uint64(), other.Uint64()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (p Position) After(other Position) bool {
	return p.Compare(other) > 0
}

func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Position) UnmarshalText(text []byte) error {
	parsed, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePosition reads either the packed decimal form or the JSON object
// form {"T":..,"I":..} written by older checkpoint files.
func ParsePosition(s string) (Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Position{}, errors.New("empty position")
	}
	if strings.HasPrefix(s, "{") {
		var ts primitive.Timestamp
		if err := json.Unmarshal([]byte(s), &ts); err != nil {
			return Position{}, errors.Wrapf(err, "unable to parse position %q", s)
		}
		return Position(ts), nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Position{}, errors.Wrapf(err, "unable to parse position %q", s)
	}
	return Position{T: uint32(v >> 32), I: uint32(v)}, nil
}
