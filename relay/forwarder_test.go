package relay

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mesh6/transport"
)

// captureTransport records outbound frames so tests can assert on what
// the forwarder sent without a live underlay.
type captureTransport struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	frame *transport.Frame
	to    netip.AddrPort
}

func (c *captureTransport) Send(frame *transport.Frame, to netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{frame: frame, to: to})
	return nil
}

func (c *captureTransport) Close() error { return nil }

func (c *captureTransport) LocalAddr() netip.AddrPort { return netip.AddrPort{} }

func (c *captureTransport) RegisterHandler(transport.FrameType, transport.FrameHandler) {}

func (c *captureTransport) take() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

var (
	peerA = netip.MustParseAddr("200::a")
	peerB = netip.MustParseAddr("200::b")
	peerC = netip.MustParseAddr("200::c")

	epA = netip.MustParseAddrPort("192.0.2.1:4000")
	epB = netip.MustParseAddrPort("192.0.2.2:4000")
)

func requestFrame(src, dst netip.Addr, sid uint64) *transport.Frame {
	return &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameRelayRequest,
		SessionID: sid,
		Payload:   EncodeRequest(src, dst),
	}
}

func dataFrame(sid uint64, size int) *transport.Frame {
	return &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameData,
		SessionID: sid,
		Payload:   make([]byte, size),
	}
}

func newTestForwarder(t *testing.T, cfg Config) (*Forwarder, *captureTransport, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg.Clock = mock
	tr := &captureTransport{}
	return NewForwarder(tr, cfg), tr, mock
}

func TestOneSidedRequestNeverForwards(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})

	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	assert.Equal(t, 0, f.BindingCount())
	assert.Equal(t, 1, f.PendingCount())

	// The requester is told the peer is not here.
	sent := tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.FrameRelayAccept, sent[0].frame.Type)
	status, _, _, err := DecodeStatus(sent[0].frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, StatusPeerUnreachable, status)

	// Data on the proposed session id is not relayed.
	assert.False(t, f.HandleFrame(dataFrame(10, 64), epA))
	assert.Empty(t, tr.take())
}

func TestDoubleOptInEstablishesBinding(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})

	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	tr.take()
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))

	require.Equal(t, 1, f.BindingCount())
	assert.Equal(t, 0, f.PendingCount())

	b, ok := f.BindingFor(peerA, peerB)
	require.True(t, ok)
	assert.Equal(t, uint64(0), b.FramesForwarded())

	// Both legs get confirmation.
	sent := tr.take()
	require.Len(t, sent, 2)
	for _, s := range sent {
		status, _, _, err := DecodeStatus(s.frame.Payload)
		require.NoError(t, err)
		assert.Equal(t, StatusOK, status)
	}
	assert.Equal(t, epA, sent[0].to)
	assert.Equal(t, epB, sent[1].to)
}

func TestForwardingAndCounters(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	tr.take()

	require.True(t, f.HandleFrame(dataFrame(10, 100), epA))
	sent := tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, epB, sent[0].to)
	assert.Equal(t, uint64(10), sent[0].frame.SessionID)

	require.True(t, f.HandleFrame(dataFrame(10, 50), epB))
	sent = tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, epA, sent[0].to)

	b, ok := f.BindingFor(peerA, peerB)
	require.True(t, ok)
	assert.Equal(t, uint64(2), b.FramesForwarded())
	assert.Equal(t, uint64(150+2*transport.HeaderSize), b.BytesForwarded())
}

func TestBoundSessionFromForeignEndpointDropped(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	tr.take()

	foreign := netip.MustParseAddrPort("203.0.113.9:9999")
	assert.True(t, f.HandleFrame(dataFrame(10, 64), foreign))
	assert.Empty(t, tr.take())

	b, ok := f.BindingFor(peerA, peerB)
	require.True(t, ok)
	assert.Equal(t, uint64(0), b.FramesForwarded())
}

func TestRequestForwardedToPresentPeer(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})

	// B registers presence by requesting relaying with someone else.
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerC, 0), epB))
	tr.take()

	// A's request for B is passed along so B can opt in.
	req := requestFrame(peerA, peerB, 10)
	require.NoError(t, f.AcceptRelayRequest(req, epA))

	sent := tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.FrameRelayRequest, sent[0].frame.Type)
	assert.Equal(t, epB, sent[0].to)
	assert.Equal(t, 0, f.BindingCount())
}

func TestQuotaExceededTearsDownBinding(t *testing.T) {
	size := 100
	quota := uint64(size + transport.HeaderSize)
	f, tr, _ := newTestForwarder(t, Config{QuotaBytes: quota})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	tr.take()

	require.True(t, f.HandleFrame(dataFrame(10, size), epA))
	tr.take()

	// The next frame would exceed the quota: both legs are told, the
	// binding is destroyed, the frame is not forwarded.
	require.True(t, f.HandleFrame(dataFrame(10, 1), epA))
	sent := tr.take()
	require.Len(t, sent, 2)
	assert.Equal(t, epA, sent[0].to)
	assert.Equal(t, epB, sent[1].to)
	for _, s := range sent {
		status, _, _, err := DecodeStatus(s.frame.Payload)
		require.NoError(t, err)
		assert.Equal(t, StatusQuotaExceeded, status)
	}
	assert.Equal(t, 0, f.BindingCount())

	// The session id no longer routes.
	assert.False(t, f.HandleFrame(dataFrame(10, 1), epA))
}

func TestQuotaStatusNamesPeerForEachLeg(t *testing.T) {
	size := 100
	quota := uint64(size + transport.HeaderSize)
	f, tr, _ := newTestForwarder(t, Config{QuotaBytes: quota})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	tr.take()

	require.True(t, f.HandleFrame(dataFrame(10, size), epB))
	tr.take()

	// The b leg crosses the quota. Each leg's notice must name its own
	// peer in the dst slot so the receiver can look that peer up and
	// fail over; the sender's own address belongs in src.
	require.True(t, f.HandleFrame(dataFrame(10, 1), epB))
	sent := tr.take()
	require.Len(t, sent, 2)

	byEP := make(map[netip.AddrPort]*transport.Frame)
	for _, s := range sent {
		byEP[s.to] = s.frame
	}
	require.Contains(t, byEP, epA)
	require.Contains(t, byEP, epB)

	_, src, dst, err := DecodeStatus(byEP[epB].Payload)
	require.NoError(t, err)
	assert.Equal(t, peerB, src)
	assert.Equal(t, peerA, dst)

	_, src, dst, err = DecodeStatus(byEP[epA].Payload)
	require.NoError(t, err)
	assert.Equal(t, peerA, src)
	assert.Equal(t, peerB, dst)
}

func TestTeardownForwardsAndDestroysBinding(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	tr.take()

	teardown := &transport.Frame{
		Version:   transport.ProtocolVersion,
		Type:      transport.FrameTeardown,
		SessionID: 10,
		Payload:   []byte{},
	}
	require.True(t, f.HandleTeardown(teardown, epA))

	sent := tr.take()
	require.Len(t, sent, 1)
	assert.Equal(t, transport.FrameTeardown, sent[0].frame.Type)
	assert.Equal(t, epB, sent[0].to)
	assert.Equal(t, 0, f.BindingCount())

	assert.False(t, f.HandleTeardown(teardown, epA))
}

func TestIdleSweepRemovesBindingsAndHalves(t *testing.T) {
	f, tr, mock := newTestForwarder(t, Config{IdleTimeout: 30 * time.Second})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 0), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerC, peerA, 0), netip.MustParseAddrPort("192.0.2.3:4000")))
	tr.take()

	require.Equal(t, 1, f.BindingCount())
	require.Equal(t, 1, f.PendingCount())

	// Traffic keeps the binding alive across a sweep.
	mock.Add(20 * time.Second)
	require.True(t, f.HandleFrame(dataFrame(10, 10), epA))
	tr.take()
	mock.Add(20 * time.Second)
	f.Sweep()
	assert.Equal(t, 1, f.BindingCount())
	assert.Equal(t, 0, f.PendingCount())

	mock.Add(31 * time.Second)
	f.Sweep()
	assert.Equal(t, 0, f.BindingCount())
	assert.False(t, f.HandleFrame(dataFrame(10, 10), epA))
}

func TestSimultaneousInitiatorsShareOneBinding(t *testing.T) {
	f, tr, _ := newTestForwarder(t, Config{})
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerB, peerA, 20), epB))
	require.NoError(t, f.AcceptRelayRequest(requestFrame(peerA, peerB, 10), epA))
	tr.take()

	require.Equal(t, 1, f.BindingCount())

	// Both session ids route across the same binding.
	require.True(t, f.HandleFrame(dataFrame(10, 8), epA))
	require.True(t, f.HandleFrame(dataFrame(20, 8), epB))
	sent := tr.take()
	require.Len(t, sent, 2)
	assert.Equal(t, epB, sent[0].to)
	assert.Equal(t, epA, sent[1].to)
}
