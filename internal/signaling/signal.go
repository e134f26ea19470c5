// Package signaling carries call-signaling payloads between users.
//
// The wire shape is a stable contract shared with the other clients:
//
//	{ "type": "offer"|"answer"|"ice-candidate"|"reject"|"accepted"|"end",
//	  "from": UserId, "to": UserId, "callType"?: "voice"|"video",
//	  "offer"?: SessionDescription, "answer"?: SessionDescription,
//	  "candidate"?: ConnectivityCandidate }
//
// Delivery is addressed per destination user, never per call.
package signaling

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrTransportUnavailable means the signal channel is not connected/subscribed.
	ErrTransportUnavailable = errors.New("signaling: transport unavailable")
	// ErrInvalidSignal means a payload failed validation.
	ErrInvalidSignal = errors.New("signaling: invalid signal")
)

type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	TypeReject    Type = "reject"
	TypeAccepted  Type = "accepted"
	TypeEnd       Type = "end"
)

// CallType is the media kind of a call. It never changes for a session.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (k CallType) Valid() bool {
	return k == CallTypeVoice || k == CallTypeVideo
}

// SessionDescription is an opaque SDP blob, shaped like RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICEUfrags returns the distinct a=ice-ufrag values of the description.
func (d SessionDescription) ICEUfrags() []string {
	var out []string
	for _, line := range strings.Split(d.SDP, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=ice-ufrag:")
		if !ok || v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Candidate is an opaque connectivity candidate, shaped like RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate-delivery detection.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

// Ufrag is the candidate's username fragment, empty when the sender left it out.
func (c Candidate) Ufrag() string {
	if c.UsernameFragment == nil {
		return ""
	}
	return *c.UsernameFragment
}

// Signal is one discrete message of the call-signaling protocol.
type Signal struct {
	Type      Type                `json:"type"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	CallType  CallType            `json:"callType,omitempty"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`
}

// Validate checks the per-type required fields.
func (s Signal) Validate() error {
	if s.From == "" || s.To == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidSignal)
	}
	switch s.Type {
	case TypeOffer:
		if s.Offer == nil || s.Offer.SDP == "" {
			return fmt.Errorf("%w: offer without description", ErrInvalidSignal)
		}
		if !s.CallType.Valid() {
			return fmt.Errorf("%w: offer with call type %q", ErrInvalidSignal, s.CallType)
		}
	case TypeAnswer:
		if s.Answer == nil || s.Answer.SDP == "" {
			return fmt.Errorf("%w: answer without description", ErrInvalidSignal)
		}
	case TypeCandidate:
		if s.Candidate == nil || s.Candidate.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidSignal)
		}
	case TypeReject, TypeAccepted, TypeEnd:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	return nil
}
