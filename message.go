package sview

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidMessage is returned for signaling frames that are not exactly
// one session description or one ICE candidate.
var ErrInvalidMessage = errors.New("sview: invalid signaling message")

// Message is a single signaling frame. Exactly one of SDP and ICE is set.
//
//	{"sdp": {"type": "offer", "sdp": "v=0..."}}
//	{"ice": {"candidate": "candidate:...", "sdpMLineIndex": 0}}
type Message struct {
	SDP *webrtc.SessionDescription `json:"sdp,omitempty"`
	ICE *webrtc.ICECandidateInit   `json:"ice,omitempty"`
}

func NewSDPMessage(desc webrtc.SessionDescription) Message {
	return Message{SDP: &desc}
}

func NewICEMessage(candidate webrtc.ICECandidateInit) Message {
	return Message{ICE: &candidate}
}

func (m Message) validate() error {
	if (m.SDP == nil) == (m.ICE == nil) {
		return fmt.Errorf("%w: want exactly one of sdp or ice", ErrInvalidMessage)
	}
	return nil
}

func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
