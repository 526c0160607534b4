package transport_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quilldb/quill/transport"
)

// selfSignedCert generates a throwaway server certificate.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quill-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// tlsPair runs a handshake between a server-side transport.TLS on one end
// of a socketpair and a plain crypto/tls client on the other.
func tlsPair(t *testing.T) (*transport.TLS, *tls.Conn) {
	t.Helper()
	a, b := socketPair(t)
	t.Cleanup(func() { unix.Close(a) })

	serverCfg := &tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}}
	sess := transport.NewTLS(a, serverCfg)

	// The client side runs on a duplicated descriptor through the netpoller.
	f := os.NewFile(uintptr(b), "client")
	nc, err := net.FileConn(f)
	require.NoError(t, err)
	f.Close()
	unix.Close(b)
	client := tls.Client(nc, &tls.Config{InsecureSkipVerify: true})
	t.Cleanup(func() { client.Close() })

	errCh := make(chan error, 1)
	go func() { errCh <- client.Handshake() }()
	require.NoError(t, sess.Handshake())
	require.NoError(t, <-errCh)
	return sess, client
}

func TestTLSHandshakeAndEcho(t *testing.T) {
	t.Parallel()

	sess, client := tlsPair(t)

	_, err := client.Write([]byte("startup"))
	require.NoError(t, err)
	got := tryReadFull(t, sess, len("startup"))
	require.Equal(t, []byte("startup"), got)

	tryWriteFull(t, sess, []byte("ready"))
	reply := make([]byte, len("ready"))
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("ready"), reply)
}

func TestTLSReadWouldBlockWhenIdle(t *testing.T) {
	t.Parallel()

	sess, _ := tlsPair(t)
	_, st, err := sess.TryRead(make([]byte, 64))
	require.NoError(t, err)
	require.Equal(t, transport.WouldBlockRead, st)
}

// The session must surface application bytes it already buffered even when
// the socket itself has nothing more to offer.
func TestTLSDrainsBufferedRecords(t *testing.T) {
	t.Parallel()

	sess, client := tlsPair(t)

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := client.Write(payload)
	require.NoError(t, err)

	// Read one byte at a time; after the first record arrives, the rest of
	// its bytes come out of the session without touching the socket.
	got := make([]byte, 0, len(payload))
	dst := make([]byte, 1)
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(payload) {
		require.True(t, time.Now().Before(deadline))
		n, st, err := sess.TryRead(dst)
		switch st {
		case transport.OK:
			got = append(got, dst[:n]...)
		case transport.WouldBlockRead, transport.Interrupted:
			time.Sleep(time.Millisecond)
		default:
			t.Fatalf("unexpected status %v (err %v)", st, err)
		}
	}
	require.Equal(t, payload, got)
}

func TestTLSLargeWriteStagesAndDrains(t *testing.T) {
	t.Parallel()

	sess, client := tlsPair(t)

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(client, buf); err != nil {
			done <- nil
			return
		}
		done <- buf
	}()

	tryWriteFull(t, sess, payload)
	require.False(t, sess.Pending())

	select {
	case got := <-done:
		require.Equal(t, payload, got)
	case <-time.After(5 * time.Second):
		t.Fatal("client read timed out")
	}
}

func TestTLSShutdownSendsCloseNotify(t *testing.T) {
	t.Parallel()

	sess, client := tlsPair(t)

	require.NoError(t, sess.Shutdown())
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}
