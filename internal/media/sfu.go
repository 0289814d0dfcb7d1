// Package media is the real-time media transport collaborator. The signaling
// core forwards WebRTC frames here and otherwise never touches media; codec
// negotiation and RTP relay are delegated to pion.
package media

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTP buffer size (MTU-friendly). Used with sync.Pool to avoid per-packet allocs.
const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// SFU relays each published track to every other participant in a class. Each
// participant may publish (tutor and students both have cameras); each also
// holds one subscriber peer connection receiving everyone else's tracks.
type SFU struct {
	rooms map[string]*sfuRoom
	mu    sync.RWMutex
	log   *zap.Logger
	cfg   webrtc.Configuration
}

type sfuRoom struct {
	sessionID   string
	publishers  map[string]*publisherPeer  // connID -> publisher PC
	subscribers map[string]*subscriberPeer // connID -> subscriber PC
	tracks      []*relayTrack
	mu          sync.RWMutex
	log         *zap.Logger
}

type publisherPeer struct {
	userID string
	pc     *webrtc.PeerConnection
}

type subscriberPeer struct {
	pc *webrtc.PeerConnection
}

type relayTrack struct {
	ownerConn string
	remote    *webrtc.TrackRemote
	locals    []*webrtc.TrackLocalStaticRTP
	mu        sync.Mutex
}

// NewSFU creates an SFU with the given ICE (STUN/TURN) server URLs.
func NewSFU(log *zap.Logger, iceURLs []string) *SFU {
	if log == nil {
		log = zap.NewNop()
	}
	return &SFU{
		rooms: make(map[string]*sfuRoom),
		log:   log,
		cfg:   webrtc.Configuration{ICEServers: parseICEServers(iceURLs)},
	}
}

func (s *SFU) getOrCreateRoom(sessionID string) *sfuRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[sessionID]; ok {
		return r
	}
	r := &sfuRoom{
		sessionID:   sessionID,
		publishers:  make(map[string]*publisherPeer),
		subscribers: make(map[string]*subscriberPeer),
		log:         s.log.With(zap.String("session_id", sessionID)),
	}
	s.rooms[sessionID] = r
	return r
}

func (s *SFU) getRoom(sessionID string) *sfuRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[sessionID]
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type icePayload struct {
	Target    string          `json:"target"` // "publisher" or "subscriber"
	Candidate json.RawMessage `json:"candidate"`
}

// HandleSignal implements live.MediaSignaler. Malformed frames are dropped;
// signaling errors are logged, never surfaced to the room.
func (s *SFU) HandleSignal(sessionID, connID, userID, kind string, payload json.RawMessage, reply func(event string, data interface{})) {
	var err error
	switch kind {
	case "webrtc_offer":
		var p sdpPayload
		if json.Unmarshal(payload, &p) == nil && p.SDP != "" {
			err = s.handlePublisherOffer(sessionID, connID, userID,
				webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}, reply)
		}
	case "webrtc_subscribe":
		err = s.handleSubscribe(sessionID, connID, reply)
	case "webrtc_answer":
		var p sdpPayload
		if json.Unmarshal(payload, &p) == nil && p.SDP != "" {
			err = s.handleSubscriberAnswer(sessionID, connID,
				webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})
		}
	case "webrtc_ice":
		var p icePayload
		if json.Unmarshal(payload, &p) == nil && len(p.Candidate) > 0 {
			var cand webrtc.ICECandidateInit
			if json.Unmarshal(p.Candidate, &cand) == nil {
				err = s.handleICE(sessionID, connID, p.Target, cand)
			}
		}
	}
	if err != nil {
		s.log.Warn("webrtc signal failed",
			zap.String("session_id", sessionID),
			zap.String("connection_id", connID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// handlePublisherOffer creates (or replaces) the participant's publisher PC
// and answers their offer. Published tracks are relayed to every current
// subscriber.
func (s *SFU) handlePublisherOffer(sessionID, connID, userID string, sdp webrtc.SessionDescription, reply func(string, interface{})) error {
	r := s.getOrCreateRoom(sessionID)

	r.mu.Lock()
	if old, ok := r.publishers[connID]; ok && old.pc != nil {
		_ = old.pc.Close()
		r.dropTracksLocked(connID)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		r.mu.Unlock()
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		reply("webrtc_ice", map[string]interface{}{"target": "publisher", "candidate": json.RawMessage(b)})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		relay := &relayTrack{ownerConn: connID, remote: track}
		r.mu.Lock()
		r.tracks = append(r.tracks, relay)
		r.mu.Unlock()
		r.attachToSubscribers(relay)
		go relay.readAndForward()
	})

	if err := pc.SetRemoteDescription(sdp); err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		r.mu.Unlock()
		return err
	}
	r.publishers[connID] = &publisherPeer{userID: userID, pc: pc}
	r.mu.Unlock()

	reply("webrtc_answer", map[string]interface{}{"type": answer.Type.String(), "sdp": answer.SDP})
	return nil
}

func (rt *relayTrack) readAndForward() {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		buf := *ptr
		n, _, err := rt.remote.Read(buf)
		if err != nil {
			rtpBufferPool.Put(ptr)
			return
		}
		// Snapshot subscribers under lock, write without it so one slow
		// subscriber cannot block the rest.
		rt.mu.Lock()
		locals := make([]*webrtc.TrackLocalStaticRTP, len(rt.locals))
		copy(locals, rt.locals)
		rt.mu.Unlock()
		for _, local := range locals {
			_, _ = local.Write(buf[:n])
		}
		rtpBufferPool.Put(ptr)
	}
}

// attachToSubscribers fans a newly published track out to every subscriber
// peer connection except the track owner's.
func (r *sfuRoom) attachToSubscribers(relay *relayTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, sub := range r.subscribers {
		if connID == relay.ownerConn || sub.pc == nil {
			continue
		}
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = sub.pc.AddTrack(local)
	}
}

// handleSubscribe builds the participant's subscriber PC carrying everyone
// else's current tracks and sends them an offer.
func (s *SFU) handleSubscribe(sessionID, connID string, reply func(string, interface{})) error {
	r := s.getRoom(sessionID)
	if r == nil {
		reply("webrtc_error", map[string]string{"message": "no_stream"})
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(s.cfg)
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, _ := json.Marshal(c.ToJSON())
		reply("webrtc_ice", map[string]interface{}{"target": "subscriber", "candidate": json.RawMessage(b)})
	})

	for _, relay := range r.tracks {
		if relay.ownerConn == connID {
			continue
		}
		local, err := webrtc.NewTrackLocalStaticRTP(relay.remote.Codec().RTPCodecCapability, relay.remote.ID(), relay.remote.StreamID())
		if err != nil {
			continue
		}
		relay.mu.Lock()
		relay.locals = append(relay.locals, local)
		relay.mu.Unlock()
		_, _ = pc.AddTrack(local)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}
	if old, ok := r.subscribers[connID]; ok && old.pc != nil {
		_ = old.pc.Close()
	}
	r.subscribers[connID] = &subscriberPeer{pc: pc}
	reply("webrtc_subscriber_offer", map[string]interface{}{"type": offer.Type.String(), "sdp": offer.SDP})
	return nil
}

func (s *SFU) handleSubscriberAnswer(sessionID, connID string, sdp webrtc.SessionDescription) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	sub, ok := r.subscribers[connID]
	r.mu.RUnlock()
	if !ok || sub.pc == nil {
		return nil
	}
	return sub.pc.SetRemoteDescription(sdp)
}

func (s *SFU) handleICE(sessionID, connID, target string, candidate webrtc.ICECandidateInit) error {
	r := s.getRoom(sessionID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	var pc *webrtc.PeerConnection
	if target == "publisher" {
		if pub, ok := r.publishers[connID]; ok {
			pc = pub.pc
		}
	} else {
		if sub, ok := r.subscribers[connID]; ok {
			pc = sub.pc
		}
	}
	r.mu.RUnlock()
	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(candidate)
}

// CloseParticipant implements live.MediaSignaler: tears down both peer
// connections for a departing connection and drops its published tracks.
func (s *SFU) CloseParticipant(sessionID, connID string) {
	r := s.getRoom(sessionID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if pub, ok := r.publishers[connID]; ok {
		delete(r.publishers, connID)
		if pub.pc != nil {
			_ = pub.pc.Close()
		}
		r.dropTracksLocked(connID)
	}
	if sub, ok := r.subscribers[connID]; ok {
		delete(r.subscribers, connID)
		if sub.pc != nil {
			_ = sub.pc.Close()
		}
	}
	empty := len(r.publishers) == 0 && len(r.subscribers) == 0
	r.mu.Unlock()

	if empty {
		s.mu.Lock()
		delete(s.rooms, sessionID)
		s.mu.Unlock()
	}
}

func (r *sfuRoom) dropTracksLocked(connID string) {
	kept := r.tracks[:0]
	for _, t := range r.tracks {
		if t.ownerConn != connID {
			kept = append(kept, t)
		}
	}
	r.tracks = kept
}

var defaultICE = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

func parseICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return defaultICE
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}
