package peer

import (
	"context"
	"io"
	"sync"
	"time"

	"p2p-call/pkg/log"
	"p2p-call/pkg/session"
	"p2p-call/pkg/signal"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// Compile-time interface checks.
var (
	_ session.Transport = (*WebRTC)(nil)
	_ io.ReadWriter     = (*WebRTC)(nil)
)

var ErrNotEstablished = errors.New("data channel not established")

const dataChannelLabel = "data"

// WebRTC is a session.Transport over a pion peer connection. The offering side
// opens the "data" channel; once it is open on either side the peer can be
// used as a byte stream.
type WebRTC struct {
	cfg WebRTCConfig

	conn *webrtc.PeerConnection

	dataChannel   datachannel.ReadWriteCloser
	dataChannelMx sync.RWMutex

	handlersMx       sync.RWMutex
	candidateHandler func(signal.Candidate)
	stateHandler     func(session.ConnectionState)
	establishHandler func()
	trackHandler     func(kind, id string)
}

type WebRTCConfig struct {
	STUN []string
	// ReceiveMedia makes the offer carry recvonly audio and video sections.
	ReceiveMedia bool
}

func NewWebRTC(cfg WebRTCConfig) (*WebRTC, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	settings := webrtc.SettingEngine{}

	settings.DetachDataChannels()
	settings.SetICETimeouts(15*time.Minute, 25*time.Second, 2*time.Second)

	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "media codecs")
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings), webrtc.WithMediaEngine(media))

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, err
	}

	p := &WebRTC{
		cfg:              cfg,
		conn:             conn,
		candidateHandler: func(signal.Candidate) {},
		stateHandler:     func(session.ConnectionState) {},
		establishHandler: func() {},
		trackHandler:     func(string, string) {},
	}

	p.conn.OnICECandidate(p.onConnICECandidate)
	p.conn.OnConnectionStateChange(p.onConnStateChange)
	p.conn.OnDataChannel(p.registerDataChannel)
	p.conn.OnTrack(p.onTrack)

	return p, nil
}

func (p *WebRTC) CreateOffer(context.Context) (signal.Description, error) {
	dataChannel, err := p.conn.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return signal.Description{}, errors.Wrap(err, "data channel")
	}

	p.registerDataChannel(dataChannel)

	if p.cfg.ReceiveMedia {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := p.conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return signal.Description{}, errors.Wrapf(err, "%s transceiver", kind)
			}
		}
	}

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}

	return fromSessionDescription(offer), nil
}

func (p *WebRTC) CreateAnswer(context.Context) (signal.Description, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}

	return fromSessionDescription(answer), nil
}

func (p *WebRTC) SetLocalDescription(_ context.Context, d signal.Description) error {
	return p.conn.SetLocalDescription(toSessionDescription(d))
}

func (p *WebRTC) SetRemoteDescription(_ context.Context, d signal.Description) error {
	return p.conn.SetRemoteDescription(toSessionDescription(d))
}

func (p *WebRTC) AddICECandidate(c signal.Candidate) error {
	return p.conn.AddICECandidate(toCandidateInit(c))
}

func (p *WebRTC) OnICECandidate(h func(signal.Candidate)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.candidateHandler = h
}

func (p *WebRTC) OnConnectionStateChange(h func(session.ConnectionState)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.stateHandler = h
}

// OnEstablish is called once the data channel is open and detached.
func (p *WebRTC) OnEstablish(h func()) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.establishHandler = h
}

// OnTrack is called for every inbound media track; the track itself is
// drained by the peer.
func (p *WebRTC) OnTrack(h func(kind, id string)) {
	p.handlersMx.Lock()
	defer p.handlersMx.Unlock()

	p.trackHandler = h
}

func (p *WebRTC) Close() error {
	return p.conn.Close()
}

func (p *WebRTC) Read(payload []byte) (int, error) {
	dataChannel := p.establishedChannel()
	if dataChannel == nil {
		return 0, ErrNotEstablished
	}

	return dataChannel.Read(payload)
}

func (p *WebRTC) Write(payload []byte) (int, error) {
	dataChannel := p.establishedChannel()
	if dataChannel == nil {
		return 0, ErrNotEstablished
	}

	return dataChannel.Write(payload)
}

// Shutdown closes the data channel and leaves the connection up, so the
// remote reader sees EOF.
func (p *WebRTC) Shutdown() {
	dataChannel := p.establishedChannel()
	if dataChannel == nil {
		return
	}

	if err := dataChannel.Close(); err != nil {
		log.Error(err)

		return
	}
}

func (p *WebRTC) establishedChannel() datachannel.ReadWriteCloser {
	p.dataChannelMx.RLock()
	defer p.dataChannelMx.RUnlock()

	return p.dataChannel
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if candidate == nil {
		return
	}

	p.handlersMx.RLock()
	h := p.candidateHandler
	p.handlersMx.RUnlock()

	h(fromCandidateInit(candidate.ToJSON()))
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	log.Debugf("peer connection state changed: %s", state)

	p.handlersMx.RLock()
	h := p.stateHandler
	p.handlersMx.RUnlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		h(session.ConnectionConnected)
	case webrtc.PeerConnectionStateDisconnected:
		h(session.ConnectionDisconnected)
	case webrtc.PeerConnectionStateFailed:
		h(session.ConnectionFailed)
	case webrtc.PeerConnectionStateClosed:
		h(session.ConnectionClosed)
	default:
		h(session.ConnectionConnecting)
	}
}

func (p *WebRTC) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.handlersMx.RLock()
	h := p.trackHandler
	p.handlersMx.RUnlock()

	h(track.Kind().String(), track.ID())

	go func() {
		buf := make([]byte, 1500)

		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (p *WebRTC) registerDataChannel(channel *webrtc.DataChannel) {
	if channel.Label() != dataChannelLabel {
		log.Warnf("ignoring unexpected data channel %q", channel.Label())

		return
	}

	channel.OnOpen(func() {
		dataChannel, err := channel.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		p.dataChannelMx.Lock()
		p.dataChannel = dataChannel
		p.dataChannelMx.Unlock()

		p.handlersMx.RLock()
		h := p.establishHandler
		p.handlersMx.RUnlock()

		h()
	})
}
