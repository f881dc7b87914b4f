package session

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mesh6/crypto"
	"github.com/opd-ai/mesh6/transport"
)

type testNode struct {
	keys   *crypto.KeyPair
	engine *Engine
	tr     *transport.ChannelTransport

	established chan *Session
}

// newTestNode wires an engine to a channel transport the way the
// connection manager does in production.
func newTestNode(t *testing.T, network *transport.ChannelNetwork, port uint16) *testNode {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	n := &testNode{
		keys:        keys,
		engine:      NewEngine(keys, nil, nil),
		tr:          network.NewTransport(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)),
		established: make(chan *Session, 4),
	}

	n.tr.RegisterHandler(transport.FrameHandshakeInit, func(frame *transport.Frame, from netip.AddrPort) error {
		s, err := n.engine.HandleHandshakeInit(n.tr, frame, from)
		if err == nil && s != nil {
			n.established <- s
		}
		return err
	})
	n.tr.RegisterHandler(transport.FrameHandshakeResp, func(frame *transport.Frame, from netip.AddrPort) error {
		_, err := n.engine.HandleHandshakeResp(n.tr, frame, from)
		return err
	})

	t.Cleanup(func() { _ = n.tr.Close() })
	return n
}

func TestEngineEstablishDirect(t *testing.T) {
	network := transport.NewChannelNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sessionA, err := a.engine.Establish(ctx, a.tr, b.engine.LocalAddr(), b.tr.LocalAddr(), PathDirect, netip.Addr{})
	require.NoError(t, err)
	require.NotNil(t, sessionA)

	var sessionB *Session
	select {
	case sessionB = <-b.established:
	case <-time.After(2 * time.Second):
		t.Fatal("responder session not established")
	}

	assert.Equal(t, sessionA.ID(), sessionB.ID())
	assert.Equal(t, b.engine.LocalAddr(), sessionA.RemoteAddr())
	assert.Equal(t, a.engine.LocalAddr(), sessionB.RemoteAddr())
	assert.Equal(t, PathDirect, sessionA.Kind())

	// The pair carries traffic both ways.
	frame, err := sessionA.Encrypt(transport.FrameData, []byte("from a"))
	require.NoError(t, err)
	plaintext, err := sessionB.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("from a"), plaintext)

	frame, err = sessionB.Encrypt(transport.FrameData, []byte("from b"))
	require.NoError(t, err)
	plaintext, err = sessionA.Decrypt(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("from b"), plaintext)
}

func TestEngineEstablishVerifiesAddressOwnership(t *testing.T) {
	network := transport.NewChannelNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Dial an address b's key does not own, at b's endpoint.
	wrongDest := netip.MustParseAddr("200::dead")
	_, err := a.engine.Establish(ctx, a.tr, wrongDest, b.tr.LocalAddr(), PathDirect, netip.Addr{})
	assert.ErrorIs(t, err, ErrHandshakeAuthFailure)
	assert.Empty(t, b.established, "impostor handshake must not complete anywhere")
}

func TestEngineEstablishTimeout(t *testing.T) {
	network := transport.NewChannelNetwork()
	a := newTestNode(t, network, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Nobody listens at this endpoint.
	silent := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 99)
	_, err := a.engine.Establish(ctx, a.tr, netip.MustParseAddr("200::1"), silent, PathDirect, netip.Addr{})
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Zero(t, a.engine.PendingCount(), "timed out handshake is cleaned up")
}

func TestEngineEstablishCancellation(t *testing.T) {
	network := transport.NewChannelNetwork()
	a := newTestNode(t, network, 1)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		silent := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 99)
		_, err := a.engine.Establish(ctx, a.tr, netip.MustParseAddr("200::1"), silent, PathDirect, netip.Addr{})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrHandshakeCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled establish did not return")
	}
}

func TestEngineSweepPending(t *testing.T) {
	network := transport.NewChannelNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	// Drop the responder's reply so a half-open handshake lingers at b.
	network.DropFunc = func(frame *transport.Frame, from, to netip.AddrPort) bool {
		return frame.Type == transport.FrameHandshakeResp
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := a.engine.Establish(ctx, a.tr, b.engine.LocalAddr(), b.tr.LocalAddr(), PathDirect, netip.Addr{})
	require.ErrorIs(t, err, ErrHandshakeTimeout)

	assert.Eventually(t, func() bool {
		return b.engine.PendingCount() == 1
	}, time.Second, 10*time.Millisecond)

	b.engine.SweepPending(0)
	assert.Zero(t, b.engine.PendingCount())
}

func TestEngineRelayedPathMarking(t *testing.T) {
	network := transport.NewChannelNetwork()
	a := newTestNode(t, network, 1)
	b := newTestNode(t, network, 2)

	relayOverlay := netip.MustParseAddr("200::99")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// Establishing "through" b's endpoint as if it were a relay: the
	// initiator's session records the relayed path and relay peer.
	sessionA, err := a.engine.Establish(ctx, a.tr, b.engine.LocalAddr(), b.tr.LocalAddr(), PathRelayed, relayOverlay)
	require.NoError(t, err)

	assert.Equal(t, PathRelayed, sessionA.Kind())
	assert.Equal(t, relayOverlay, sessionA.RelayAddr())
	assert.Equal(t, b.tr.LocalAddr(), sessionA.Endpoint())
}
