package domain

import (
	"errors"
	"time"
)

// Scale is the ordinal estimation deck. "Pass" is the absence of a value,
// never a sentinel member of the scale.
var Scale = []int{1, 2, 3, 5, 8, 13, 21}

var ErrValueOffScale = errors.New("vote value not on the estimation scale")

func ValidValue(v int) bool {
	for _, s := range Scale {
		if v == s {
			return true
		}
	}
	return false
}

// Vote is one participant's estimate for the current round.
// Value == nil means the participant passed.
type Vote struct {
	Participant ParticipantID `json:"participant"`
	Name        string        `json:"name"`
	Value       *int          `json:"value,omitempty"`
	CastAt      time.Time     `json:"cast_at"`
}

// NewVote validates the value against the scale; a nil value (pass) is
// always legal.
func NewVote(p Participant, value *int, at time.Time) (Vote, error) {
	if value != nil && !ValidValue(*value) {
		return Vote{}, ErrValueOffScale
	}
	return Vote{Participant: p.ID, Name: p.Name, Value: value, CastAt: at}, nil
}
