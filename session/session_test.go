package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpd/wire"
)

// testPair binds a session socket and a client socket on loopback and
// returns a Config wired to the client as peer.
func testPair(t *testing.T) (Config, *net.UDPConn) {
	t.Helper()

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	cfg := Config{
		ID:      1,
		Conn:    serverConn,
		Peer:    clientConn.LocalAddr().(*net.UDPAddr),
		Timeout: 100 * time.Millisecond,
	}
	return cfg, clientConn
}

// recvPacket reads and parses one datagram arriving at conn.
func recvPacket(t *testing.T, conn *net.UDPConn) wire.Packet {
	t.Helper()
	buf := make([]byte, 70000)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	pkt, err := wire.ParsePacket(buf[:n])
	require.NoError(t, err)
	return pkt
}

// sendPacket transmits pkt from conn to the session's socket.
func sendPacket(t *testing.T, conn *net.UDPConn, to net.Addr, pkt wire.Packet) {
	t.Helper()
	_, err := conn.WriteTo(pkt.Serialize(), to)
	require.NoError(t, err)
}

func TestWireBlockWrap(t *testing.T) {
	tests := []struct {
		logical uint64
		want    uint16
	}{
		{logical: 1, want: 1},
		{logical: 65535, want: 65535},
		{logical: 65536, want: 0},
		{logical: 65537, want: 1},
		{logical: 131072, want: 0},
	}
	for _, tt := range tests {
		if got := wireBlock(tt.logical); got != tt.want {
			t.Errorf("wireBlock(%d) = %d, want %d", tt.logical, got, tt.want)
		}
	}
}

func TestIsStaleAck(t *testing.T) {
	tests := []struct {
		name     string
		expected uint16
		received uint16
		want     bool
	}{
		{name: "exact_match", expected: 5, received: 5, want: false},
		{name: "one_behind", expected: 5, received: 4, want: true},
		{name: "far_behind", expected: 40000, received: 10000, want: true},
		{name: "behind_across_wrap", expected: 2, received: 65530, want: true},
		{name: "ahead_not_stale", expected: 5, received: 6, want: false},
		{name: "boundary", expected: 32768, received: 0, want: true},
		{name: "past_boundary", expected: 32769, received: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStaleAck(tt.expected, tt.received); got != tt.want {
				t.Errorf("isStaleAck(%d, %d) = %v, want %v", tt.expected, tt.received, got, tt.want)
			}
		})
	}
}

func TestSameAddr(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 69}
	b := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 69}
	c := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 70}
	if !sameAddr(a, b) {
		t.Error("identical addresses should match")
	}
	if sameAddr(a, c) {
		t.Error("different ports must not match")
	}
}
