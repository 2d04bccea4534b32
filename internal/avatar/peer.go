package avatar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const controlChannelLabel = "control"

var errChannelNotOpen = errors.New("control channel not open")

// PeerEvents are invoked from transport goroutines.
type PeerEvents struct {
	OnState func(webrtc.PeerConnectionState)
	OnTrack func(kind webrtc.RTPCodecType)
	OnError func(error)
}

// Peer is one WebRTC peer connection with its control data channel.
type Peer interface {
	// Offer creates the local offer and waits for ICE gathering to finish.
	Offer(ctx context.Context) (webrtc.SessionDescription, error)
	Accept(answer webrtc.SessionDescription) error
	ChannelOpen() bool
	SendText(text string) error
	Close() error
}

type PeerFactory func(events PeerEvents) (Peer, error)

type APIOptions struct {
	// IncludeLoopback adds loopback ICE candidates. Used by local tests.
	IncludeLoopback bool
}

// NewAPI builds a pion API with the default codecs and interceptors.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	settings := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// PionPeerFactory returns a factory of recv-only audio/video peers with an
// ordered control channel. An empty server list gathers host candidates only.
func PionPeerFactory(api *webrtc.API, stunServers []string) PeerFactory {
	var servers []webrtc.ICEServer
	for _, s := range stunServers {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
		}
	}
	return func(events PeerEvents) (Peer, error) {
		return newPionPeer(api, servers, events)
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	closeOnce sync.Once
	closeErr  error
}

func newPionPeer(api *webrtc.API, servers []webrtc.ICEServer, events PeerEvents) (*pionPeer, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	ordered := true
	dc, err := pc.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create control channel: %w", err)
	}
	if events.OnError != nil {
		dc.OnError(events.OnError)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if events.OnState != nil {
			events.OnState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnTrack != nil {
			events.OnTrack(track.Kind())
		}
		// Media is consumed by the renderer side; keep the receive buffers moving.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	return &pionPeer{pc: pc, dc: dc}, nil
}

func (p *pionPeer) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("local description unavailable")
	}
	return *local, nil
}

func (p *pionPeer) Accept(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) ChannelOpen() bool {
	return p.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (p *pionPeer) SendText(text string) error {
	if !p.ChannelOpen() {
		return errChannelNotOpen
	}
	return p.dc.SendText(text)
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		_ = p.dc.Close()
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
