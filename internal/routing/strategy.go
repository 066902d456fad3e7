package routing

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/telephony"
)

// CallContext is the call being routed.
type CallContext struct {
	CallID string
	From   string
	To     string
}

// RouteInput carries everything a strategy needs. Destination type and id come
// from the DID, or from an IVR option when re-entering the resolver.
type RouteInput struct {
	Call            CallContext
	DID             dids.DidNumber
	DestinationType dids.DestinationType
	DestinationID   string
}

// InputForDID routes to the DID's configured destination.
func InputForDID(call CallContext, did dids.DidNumber) RouteInput {
	return RouteInput{Call: call, DID: did, DestinationType: did.DestinationType, DestinationID: did.DestinationID}
}

// Strategy renders the response document for one destination type.
type Strategy interface {
	Name() string
	CanHandle(t dids.DestinationType) bool
	Route(ctx context.Context, in RouteInput) (*telephony.Response, error)
}

// CallbackURLs builds the webhook URLs strategies embed in documents.
type CallbackURLs struct {
	BaseURL string
}

func (u CallbackURLs) IVR(menuID string) string {
	return u.join("webhooks", "voice", "ivr", url.PathEscape(menuID))
}

func (u CallbackURLs) RingGroupNext(groupID string, next int) string {
	return u.join("webhooks", "voice", "ring-group", url.PathEscape(groupID), strconv.Itoa(next))
}

func (u CallbackURLs) Hangup() string {
	return u.join("webhooks", "voice", "hangup")
}

func (u CallbackURLs) join(parts ...string) string {
	return strings.TrimRight(u.BaseURL, "/") + "/" + strings.Join(parts, "/")
}

// ExtensionStrategy dials one extension.
type ExtensionStrategy struct {
	Store DestinationStore
	URLs  CallbackURLs
}

func (s ExtensionStrategy) Name() string { return "extension" }

func (s ExtensionStrategy) CanHandle(t dids.DestinationType) bool {
	return t == dids.DestinationExtension
}

func (s ExtensionStrategy) Route(ctx context.Context, in RouteInput) (*telephony.Response, error) {
	ext, err := s.Store.Extension(ctx, in.DID.OrganizationID, in.DestinationID)
	if err != nil {
		return nil, err
	}
	target, err := extensionTarget(ext)
	if err != nil {
		return nil, err
	}
	r := telephony.NewResponse()
	if err := r.Dial(telephony.Dial{Timeout: ext.RingTimeout, CallerID: in.Call.From, Targets: []telephony.DialTarget{target}}); err != nil {
		return nil, err
	}
	if ext.VoicemailBoxID != "" {
		if err := appendVoicemail(ctx, r, s.Store, s.URLs, in.DID.OrganizationID, ext.VoicemailBoxID); err != nil {
			return nil, err
		}
		return r, nil
	}
	return r.Hangup(), nil
}

func extensionTarget(ext Extension) (telephony.DialTarget, error) {
	switch {
	case ext.SIPURI != "":
		return telephony.DialTarget{SIPURI: ext.SIPURI}, nil
	case ext.ForwardNumber != "":
		return telephony.DialTarget{Number: ext.ForwardNumber}, nil
	}
	return telephony.DialTarget{}, fmt.Errorf("%w: extension %s has no endpoint", ErrInvalidDestination, ext.ID)
}

// RingGroupStrategy rings group members together, or one at a time with the
// provider calling back for the next member.
type RingGroupStrategy struct {
	Store DestinationStore
	URLs  CallbackURLs
}

func (s RingGroupStrategy) Name() string { return "ring_group" }

func (s RingGroupStrategy) CanHandle(t dids.DestinationType) bool {
	return t == dids.DestinationRingGroup
}

func (s RingGroupStrategy) Route(ctx context.Context, in RouteInput) (*telephony.Response, error) {
	g, err := s.Store.RingGroup(ctx, in.DID.OrganizationID, in.DestinationID)
	if err != nil {
		return nil, err
	}
	if g.Strategy == RingSequential {
		return s.Continue(ctx, g, 0, in.Call.From)
	}

	targets, err := s.targets(ctx, g, g.MemberIDs)
	if err != nil {
		return nil, err
	}
	r := telephony.NewResponse()
	if err := r.Dial(telephony.Dial{Timeout: g.RingTimeout, CallerID: in.Call.From, Targets: targets}); err != nil {
		return nil, err
	}
	return s.afterGroup(ctx, r, g)
}

// Continue rings member index of a sequential group. Past the last member the
// group's voicemail (or a hangup) follows.
func (s RingGroupStrategy) Continue(ctx context.Context, g RingGroup, index int, callerID string) (*telephony.Response, error) {
	r := telephony.NewResponse()
	if index < 0 || index >= len(g.MemberIDs) {
		return s.afterGroup(ctx, r, g)
	}
	targets, err := s.targets(ctx, g, g.MemberIDs[index:index+1])
	if err != nil {
		return nil, err
	}
	err = r.Dial(telephony.Dial{
		Timeout:  g.RingTimeout,
		CallerID: callerID,
		Action:   s.URLs.RingGroupNext(g.ID, index+1),
		Targets:  targets,
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s RingGroupStrategy) targets(ctx context.Context, g RingGroup, ids []string) ([]telephony.DialTarget, error) {
	out := make([]telephony.DialTarget, 0, len(ids))
	for _, id := range ids {
		ext, err := s.Store.Extension(ctx, g.OrganizationID, id)
		if err != nil {
			return nil, fmt.Errorf("ring group %s member %s: %w", g.ID, id, err)
		}
		t, err := extensionTarget(ext)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: ring group %s has no members", ErrInvalidDestination, g.ID)
	}
	return out, nil
}

func (s RingGroupStrategy) afterGroup(ctx context.Context, r *telephony.Response, g RingGroup) (*telephony.Response, error) {
	if g.VoicemailBoxID == "" {
		return r.Hangup(), nil
	}
	if err := appendVoicemail(ctx, r, s.Store, s.URLs, g.OrganizationID, g.VoicemailBoxID); err != nil {
		return nil, err
	}
	return r, nil
}

// IVRStrategy plays a menu and collects one digit.
type IVRStrategy struct {
	Store DestinationStore
	URLs  CallbackURLs
}

func (s IVRStrategy) Name() string { return "ivr" }

func (s IVRStrategy) CanHandle(t dids.DestinationType) bool {
	return t == dids.DestinationIVR
}

func (s IVRStrategy) Route(ctx context.Context, in RouteInput) (*telephony.Response, error) {
	m, err := s.Store.IVRMenu(ctx, in.DID.OrganizationID, in.DestinationID)
	if err != nil {
		return nil, err
	}
	return s.Menu(m, ""), nil
}

// Menu renders the gather for m, optionally preceded by a notice such as an
// invalid-choice message. With no input the menu hangs up.
func (s IVRStrategy) Menu(m IVRMenu, notice string) *telephony.Response {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5
	}
	r := telephony.NewResponse()
	if notice != "" {
		r.Say(notice)
	}
	r.Gather(telephony.Gather{
		NumDigits: 1,
		Timeout:   timeout,
		Action:    s.URLs.IVR(m.ID),
		Prompt:    m.Greeting,
		PromptURL: m.GreetingURL,
	})
	return r.Hangup()
}

// ConferenceStrategy joins the caller to an organization-scoped room.
type ConferenceStrategy struct {
	Store DestinationStore
}

func (s ConferenceStrategy) Name() string { return "conference" }

func (s ConferenceStrategy) CanHandle(t dids.DestinationType) bool {
	return t == dids.DestinationConference
}

func (s ConferenceStrategy) Route(ctx context.Context, in RouteInput) (*telephony.Response, error) {
	room, err := s.Store.ConferenceRoom(ctx, in.DID.OrganizationID, in.DestinationID)
	if err != nil {
		return nil, err
	}
	r := telephony.NewResponse()
	err = r.Dial(telephony.Dial{Targets: []telephony.DialTarget{{Conference: &telephony.Conference{
		Room:                   ConferenceName(room),
		StartConferenceOnEnter: true,
		Muted:                  room.MuteOnEntry,
		MaxParticipants:        room.MaxParticipants,
		WaitURL:                room.WaitURL,
	}}}})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ConferenceName is the provider room name. It embeds the organization so two
// tenants with the same room id never meet.
func ConferenceName(room ConferenceRoom) string {
	return "org-" + room.OrganizationID + "-" + room.ID
}

// VoicemailStrategy records a message.
type VoicemailStrategy struct {
	Store DestinationStore
	URLs  CallbackURLs
}

func (s VoicemailStrategy) Name() string { return "voicemail" }

func (s VoicemailStrategy) CanHandle(t dids.DestinationType) bool {
	return t == dids.DestinationVoicemail
}

func (s VoicemailStrategy) Route(ctx context.Context, in RouteInput) (*telephony.Response, error) {
	r := telephony.NewResponse()
	if err := appendVoicemail(ctx, r, s.Store, s.URLs, in.DID.OrganizationID, in.DestinationID); err != nil {
		return nil, err
	}
	return r, nil
}

const defaultVoicemailGreeting = "Please leave a message after the tone."

func appendVoicemail(ctx context.Context, r *telephony.Response, store DestinationStore, urls CallbackURLs, organizationID, boxID string) error {
	box, err := store.VoicemailBox(ctx, organizationID, boxID)
	if err != nil {
		return err
	}
	greeting := box.Greeting
	if greeting == "" {
		greeting = defaultVoicemailGreeting
	}
	maxLen := box.MaxLength
	if maxLen <= 0 {
		maxLen = 120
	}
	r.Say(greeting).Record(telephony.Record{
		Action:     urls.Hangup(),
		MaxLength:  maxLen,
		PlayBeep:   true,
		Transcribe: box.Transcribe,
	})
	r.Hangup()
	return nil
}
