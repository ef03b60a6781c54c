package session

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/tftpd/fsroot"
	"github.com/opd-ai/tftpd/wire"
)

// openFixture writes content to a temp file and opens it for a session.
func openFixture(t *testing.T, content []byte) (fsroot.File, int64) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	f, size, err := fsroot.OSFileSystem{}.OpenRead(path)
	require.NoError(t, err)
	return f, size
}

func runRead(cfg Config, file fsroot.File, size int64) chan error {
	done := make(chan error, 1)
	s := NewReadSession(cfg, file, size)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func TestReadSmallFileNoOptions(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("hi\n"))

	done := runRead(cfg, file, size)

	data, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)
	assert.Equal(t, uint16(1), data.Block)
	assert.Equal(t, []byte("hi\n"), data.Payload)

	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: 1})
	require.NoError(t, <-done)
}

func TestReadWithOptionsSendsOack(t *testing.T) {
	cfg, client := testPair(t)
	content := make([]byte, 2500)
	for i := range content {
		content[i] = byte(i)
	}
	file, size := openFixture(t, content)

	var oackOpts wire.OptionMap
	oackOpts.Set(wire.OptionBlockSize, "1024")
	oackOpts.Set(wire.OptionTransferSize, strconv.FormatInt(size, 10))
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 1024, TransferSize: uint64(size), HasTransferSize: true}
	cfg.OackOptions = oackOpts

	done := runRead(cfg, file, size)

	oack, ok := recvPacket(t, client).(*wire.OptionAck)
	require.True(t, ok)
	val, _ := oack.Options.Get(wire.OptionTransferSize)
	assert.Equal(t, "2500", val)

	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: 0})

	var received bytes.Buffer
	wantBlocks := []int{1024, 1024, 452}
	for i, want := range wantBlocks {
		data, ok := recvPacket(t, client).(*wire.Data)
		require.True(t, ok, "block %d", i+1)
		assert.Equal(t, uint16(i+1), data.Block)
		assert.Len(t, data.Payload, want)
		received.Write(data.Payload)
		sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: data.Block})
	}

	require.NoError(t, <-done)
	assert.Equal(t, content, received.Bytes())
}

func TestReadExactMultipleSendsEmptyTail(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 8}
	file, size := openFixture(t, make([]byte, 16))

	done := runRead(cfg, file, size)

	for _, wantLen := range []int{8, 8, 0} {
		data, ok := recvPacket(t, client).(*wire.Data)
		require.True(t, ok)
		assert.Len(t, data.Payload, wantLen)
		sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: data.Block})
	}

	require.NoError(t, <-done)
}

func TestReadRetransmitsOnLostAck(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("retransmit me"))

	done := runRead(cfg, file, size)

	first, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)

	// Drop the first ACK: the server must retransmit the same block.
	second, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)
	assert.Equal(t, first.Block, second.Block)
	assert.Equal(t, first.Payload, second.Payload)

	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: 1})
	require.NoError(t, <-done)
}

func TestReadStaleAckIgnored(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 4}
	file, size := openFixture(t, []byte("eightbyte"))

	done := runRead(cfg, file, size)

	data, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)
	require.Equal(t, uint16(1), data.Block)

	// A stale ACK must not advance the transfer.
	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: 0})
	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: 1})

	next, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)
	assert.Equal(t, uint16(2), next.Block)

	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: 2})
	for {
		pkt := recvPacket(t, client)
		d, ok := pkt.(*wire.Data)
		require.True(t, ok)
		sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: d.Block})
		if len(d.Payload) < 4 {
			break
		}
	}
	require.NoError(t, <-done)
}

func TestReadRetryExhaustion(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Timeout = 30 * time.Millisecond
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("nobody is listening"))

	s := NewReadSession(cfg, file, size)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, StateFailed, s.State())

	// The client saw the original DATA, the retransmissions, then a
	// terminal error packet.
	seenData := 0
	for {
		pkt := recvPacket(t, client)
		if e, ok := pkt.(*wire.Error); ok {
			assert.Equal(t, wire.ErrNotDefined, e.Code)
			break
		}
		_, ok := pkt.(*wire.Data)
		require.True(t, ok)
		seenData++
	}
	assert.Equal(t, DefaultRetries-1, seenData-1, "one original send plus retries-1 retransmissions")
}

func TestReadForeignSourceGetsUnknownTID(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("guarded"))

	done := runRead(cfg, file, size)

	data, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)

	// A spoofed datagram from another socket gets Error(5); the transfer
	// is unaffected.
	intruder, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer intruder.Close()
	sendPacket(t, intruder, cfg.Conn.LocalAddr(), &wire.Ack{Block: 1})

	reply, ok := recvPacket(t, intruder).(*wire.Error)
	require.True(t, ok)
	assert.Equal(t, wire.ErrUnknownTID, reply.Code)

	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Ack{Block: data.Block})
	require.NoError(t, <-done)
}

func TestReadPeerErrorAborts(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("abort me"))

	done := runRead(cfg, file, size)

	_, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)
	sendPacket(t, client, cfg.Conn.LocalAddr(), &wire.Error{Code: wire.ErrDiskFull, Message: "client disk full"})

	err := <-done
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPeerError))
}

func TestReadCancellation(t *testing.T) {
	cfg, client := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("cancelled"))

	ctx, cancel := context.WithCancel(context.Background())
	s := NewReadSession(cfg, file, size)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	_, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)

	start := time.Now()
	cancel()
	err := <-done
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation must be prompt")
	assert.True(t, errors.Is(err, ErrCancelled))
}

// slowClock reports an elapsed time beyond any session cap.
type slowClock struct{}

func (slowClock) Now() time.Time                { return time.Now() }
func (slowClock) Since(time.Time) time.Duration { return 11 * time.Minute }

func TestReadWallTimeCapBindsUnderStaleAckFlood(t *testing.T) {
	// A peer that sends a stale ACK inside every timeout window keeps the
	// receive loop busy without ever advancing; the wall-time cap must
	// still end the session.
	cfg, client := testPair(t)
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxDuration = 250 * time.Millisecond
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	file, size := openFixture(t, []byte("stalled by duplicates"))

	done := runRead(cfg, file, size)

	_, ok := recvPacket(t, client).(*wire.Data)
	require.True(t, ok)

	flood := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-flood:
				return
			case <-ticker.C:
				_, _ = client.WriteTo((&wire.Ack{Block: 0}).Serialize(), cfg.Conn.LocalAddr())
			}
		}
	}()

	start := time.Now()
	err := <-done
	close(flood)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionTimeout), "expected ErrSessionTimeout, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second, "cap must bind while packets keep arriving")
}

func TestReadWallTimeCap(t *testing.T) {
	cfg, _ := testPair(t)
	cfg.Negotiated = wire.NegotiatedOptions{BlockSize: 512}
	cfg.Time = slowClock{}
	file, size := openFixture(t, []byte("too slow"))

	s := NewReadSession(cfg, file, size)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionTimeout))
}
