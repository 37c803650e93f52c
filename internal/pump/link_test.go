package pump

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLinkMissingPort(t *testing.T) {
	_, err := openLink("/dev/ttyDOESNOTEXIST", 115200, time.Second)
	require.ErrorIs(t, err, ErrConnectivity)
}

func TestSerialLinkOverPty(t *testing.T) {
	master, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	defer master.Close()
	defer tty.Close()

	link, err := openLink(tty.Name(), 115200, 50*time.Millisecond)
	if err != nil {
		t.Skipf("serial open on pty unsupported here: %v", err)
	}
	defer link.Close()

	// Nothing written yet: the read must time out with n == 0 and no
	// error, which is the contract the transport's probe depends on.
	buf := make([]byte, 16)
	n, err := link.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = master.Write([]byte("ping\r\n"))
	require.NoError(t, err)

	got := make([]byte, 0, 6)
	deadline := time.Now().Add(time.Second)
	for len(got) < 6 && time.Now().Before(deadline) {
		n, err := link.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "ping\r\n", string(got))

	_, err = link.Write([]byte("pong"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = master.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))
}
