package routing

import (
	"errors"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
)

var (
	ErrNoStrategyFound     = errors.New("routing: no strategy found")
	ErrDestinationNotFound = errors.New("routing: destination not found")
	ErrInvalidDestination  = errors.New("routing: invalid destination")
)

// Extension is a user endpoint. Calls ring SIPURI when registered, otherwise
// ForwardNumber.
type Extension struct {
	ID             string
	OrganizationID string
	Number         string
	Name           string
	SIPURI         string
	ForwardNumber  string
	// RingTimeout in seconds; 0 uses the provider default.
	RingTimeout int
	// VoicemailBoxID receives unanswered calls when set.
	VoicemailBoxID string
}

type RingStrategy string

const (
	RingSimultaneous RingStrategy = "simultaneous"
	RingSequential   RingStrategy = "sequential"
)

type RingGroup struct {
	ID             string
	OrganizationID string
	Name           string
	Strategy       RingStrategy
	// MemberIDs are extension ids in ring order.
	MemberIDs   []string
	RingTimeout int
	// VoicemailBoxID receives the call when no member answers.
	VoicemailBoxID string
}

// MenuOption maps a digit to another destination.
type MenuOption struct {
	Digit           string
	DestinationType dids.DestinationType
	DestinationID   string
}

type IVRMenu struct {
	ID             string
	OrganizationID string
	Name           string
	Greeting       string
	GreetingURL    string
	// Timeout in seconds to wait for a digit.
	Timeout        int
	Options        []MenuOption
	InvalidMessage string
}

// Option returns the option bound to digit.
func (m IVRMenu) Option(digit string) (MenuOption, bool) {
	for _, o := range m.Options {
		if o.Digit == digit {
			return o, true
		}
	}
	return MenuOption{}, false
}

type ConferenceRoom struct {
	ID              string
	OrganizationID  string
	Name            string
	MaxParticipants int
	MuteOnEntry     bool
	WaitURL         string
}

type VoicemailBox struct {
	ID             string
	OrganizationID string
	Greeting       string
	// MaxLength in seconds.
	MaxLength  int
	Transcribe bool
}
