package transport_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quilldb/quill/transport"
)

// socketPair returns two connected non-blocking unix stream sockets.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestRawTryReadWouldBlock(t *testing.T) {
	t.Parallel()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	s := transport.NewRaw(a)
	n, st, err := s.TryRead(make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, transport.WouldBlockRead, st)
	require.Zero(t, n)
	require.False(t, s.Pending())
}

func TestRawReadWrite(t *testing.T) {
	t.Parallel()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	s := transport.NewRaw(a)
	n, st, err := s.TryWrite([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, transport.OK, st)
	require.Equal(t, 5, n)

	peer := transport.NewRaw(b)
	dst := make([]byte, 16)
	n, st, err = peer.TryRead(dst)
	require.NoError(t, err)
	require.Equal(t, transport.OK, st)
	require.Equal(t, []byte("hello"), dst[:n])
}

func TestRawTryReadEof(t *testing.T) {
	t.Parallel()

	a, b := socketPair(t)
	defer unix.Close(a)

	require.NoError(t, unix.Close(b))
	s := transport.NewRaw(a)
	_, st, err := s.TryRead(make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, transport.Eof, st)
}

func TestRawTryWriteWouldBlock(t *testing.T) {
	t.Parallel()

	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	// Shrink the send side so the socket pushes back quickly.
	require.NoError(t, unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))

	s := transport.NewRaw(a)
	chunk := make([]byte, 4096)
	blocked := false
	for i := 0; i < 10000; i++ {
		_, st, err := s.TryWrite(chunk)
		require.NoError(t, err)
		if st == transport.WouldBlockWrite {
			blocked = true
			break
		}
		require.Equal(t, transport.OK, st)
	}
	require.True(t, blocked, "socket never pushed back")
}

func TestRawTryReadFatal(t *testing.T) {
	t.Parallel()

	a, b := socketPair(t)
	unix.Close(a)
	defer unix.Close(b)

	s := transport.NewRaw(a)
	_, st, err := s.TryRead(make([]byte, 16))
	require.Equal(t, transport.Fatal, st)
	require.Error(t, err)
}

// tryReadFull keeps calling TryRead until want bytes have arrived, waiting
// briefly on would-block. It fails the test after a timeout.
func tryReadFull(t *testing.T, s transport.Session, want int) []byte {
	t.Helper()
	var out bytes.Buffer
	dst := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for out.Len() < want {
		require.True(t, time.Now().Before(deadline), "timed out after %d of %d bytes", out.Len(), want)
		n, st, err := s.TryRead(dst)
		switch st {
		case transport.OK:
			out.Write(dst[:n])
		case transport.WouldBlockRead, transport.WouldBlockWrite, transport.Interrupted:
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("unexpected status %v (err %v)", st, err)
		}
	}
	return out.Bytes()
}

// tryWriteFull pushes src through the session, draining its staging until
// nothing is pending.
func tryWriteFull(t *testing.T, s transport.Session, src []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(src) > 0 || s.Pending() {
		require.True(t, time.Now().Before(deadline), "write timed out")
		n, st, err := s.TryWrite(src)
		src = src[n:]
		switch st {
		case transport.OK:
		case transport.WouldBlockWrite, transport.WouldBlockRead, transport.Interrupted:
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("unexpected status %v (err %v)", st, err)
		}
	}
}
