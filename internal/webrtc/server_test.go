package webrtc

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/detection-monitor/internal/metrics"
)

func newOffer(t *testing.T) ([]byte, *webrtc.PeerConnection) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.CreateDataChannel(DataChannelLabel, nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	raw, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	return raw, pc
}

func TestHandleOfferRejectsBadInput(t *testing.T) {
	s := NewServer([]string{}, 2, nil)

	_, err := s.HandleOffer([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidOffer)

	_, err = s.HandleOffer([]byte(`{"type":"answer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrInvalidOffer)
	assert.Zero(t, s.ClientCount())
}

func TestHandleOfferAnswersAndTracksClient(t *testing.T) {
	m := metrics.New()
	s := NewServer([]string{}, 1, m)
	defer s.Close()

	offer, pc := newOffer(t)
	raw, err := s.HandleOffer(offer)
	require.NoError(t, err)

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(raw, &answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "webrtc-datachannel")
	require.NoError(t, pc.SetRemoteDescription(answer))

	assert.Equal(t, 1, s.ClientCount())
	assert.Equal(t, uint64(1), m.WebRTCClients.Load())

	// Messages queue even before the channel opens.
	assert.Equal(t, 1, s.Broadcast([]byte(`{"version":1}`)))

	second, _ := newOffer(t)
	_, err = s.HandleOffer(second)
	assert.ErrorIs(t, err, ErrTooManyClients)

	require.NoError(t, s.Close())
	assert.Zero(t, s.ClientCount())
	assert.Zero(t, m.WebRTCClients.Load())
	require.NoError(t, s.Close())
}

func TestBroadcastDropsForSlowClients(t *testing.T) {
	s := NewServer([]string{}, 1, nil)
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)

	c := &Client{id: "slow", peerConn: pc, sendChan: make(chan []byte, 1), closeChan: make(chan struct{})}
	s.clients[c.id] = c

	assert.Equal(t, 1, s.Broadcast([]byte("a")))
	assert.Equal(t, 0, s.Broadcast([]byte("b")))
	assert.Equal(t, uint64(1), s.ClientStats()["slow"]["dropped"])

	s.RemoveClient("slow")
	s.RemoveClient("slow")
	assert.Zero(t, s.ClientCount())
}
