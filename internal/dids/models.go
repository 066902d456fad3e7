// Package dids resolves dialed numbers to their owning organization and
// configured destination. The pipeline only ever reads DIDs.
package dids

import "errors"

var ErrNotFound = errors.New("dids: not found")

type DestinationType string

const (
	DestinationExtension  DestinationType = "extension"
	DestinationRingGroup  DestinationType = "ring_group"
	DestinationIVR        DestinationType = "ivr"
	DestinationConference DestinationType = "conference"
	DestinationVoicemail  DestinationType = "voicemail"
)

func (t DestinationType) Known() bool {
	switch t {
	case DestinationExtension, DestinationRingGroup, DestinationIVR, DestinationConference, DestinationVoicemail:
		return true
	}
	return false
}

// DidNumber is a provisioned inbound number. DestinationType is stored as
// free text and may hold values no strategy understands.
type DidNumber struct {
	ID              string          `json:"id"`
	OrganizationID  string          `json:"organization_id"`
	Number          string          `json:"number"`
	DestinationType DestinationType `json:"destination_type"`
	DestinationID   string          `json:"destination_id"`
}
