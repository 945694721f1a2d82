package peer

import (
	"p2p-call/pkg/signal"

	"github.com/pion/webrtc/v3"
)

func fromSessionDescription(d webrtc.SessionDescription) signal.Description {
	return signal.Description{
		Type: d.Type.String(),
		SDP:  d.SDP,
	}
}

func toSessionDescription(d signal.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) signal.Candidate {
	candidate := signal.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		UsernameFragment: c.UsernameFragment,
	}

	if c.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = *c.SDPMLineIndex
	}

	return candidate
}

func toCandidateInit(c signal.Candidate) webrtc.ICECandidateInit {
	index := c.SDPMLineIndex

	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    &index,
		UsernameFragment: c.UsernameFragment,
	}
}
