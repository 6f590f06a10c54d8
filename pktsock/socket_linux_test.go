//go:build linux

package pktsock_test

import (
	"errors"
	"os"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mmsg-bench-go/pktsock"
)

// openLoopback opens a configured socket on the loopback interface,
// skipping the test when raw sockets are not permitted.
func openLoopback(t *testing.T, mode pktsock.Mode) *pktsock.Socket {
	t.Helper()
	conf := pktsock.Config{
		Interface:  "lo",
		Mode:       mode,
		BatchDepth: 4,
		FrameSize:  128,
		Siblings:   1,
		Timestamp:  pktsock.TimestampSoftware,
	}
	s, err := pktsock.Open(conf)
	if errors.Is(err, os.ErrPermission) {
		t.Skip("raw sockets require CAP_NET_RAW")
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger, _ := logtest.NewNullLogger()
	require.NoError(t, pktsock.Configure(s, &conf, logger))
	require.NotZero(t, s.Ifindex())
	return s
}

func TestSocketLoopbackBatch(t *testing.T) {
	rx := openLoopback(t, pktsock.Rx)
	tx := openLoopback(t, pktsock.Tx)

	frames := make([][]byte, 4)
	for i := range frames {
		frames[i] = make([]byte, 64)
		// Locally administered MACs and an unused EtherType.
		copy(frames[i], []byte{0x02, 0, 0, 0, 0, 1, 0x02, 0, 0, 0, 0, 2, 0x88, 0xb5})
		frames[i][14] = byte(i)
	}
	out := pktsock.NewBatch(frames)
	n, err := tx.WriteBatch(out, 0, out.Len())
	require.NoError(t, err)
	require.Equal(t, 4, n)

	shared := make([]byte, 128)
	in := pktsock.NewBatch([][]byte{shared, shared, shared, shared})
	var got int
	for got == 0 {
		n, err := rx.ReadBatch(in)
		require.NoError(t, err)
		for i := range n {
			if in.MsgLen(i) == 64 {
				got++
			}
		}
	}
	require.Positive(t, got)
}

func TestSocketCloseIdempotent(t *testing.T) {
	s := openLoopback(t, pktsock.Rx)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Read(make([]byte, 64))
	require.Error(t, err)
}

func TestWriteBatchWindowRange(t *testing.T) {
	s := openLoopback(t, pktsock.Tx)
	b := pktsock.NewBatch([][]byte{make([]byte, 64)})
	_, err := s.WriteBatch(b, 1, 1)
	require.ErrorIs(t, err, pktsock.ErrWindowOutOfRange)
	n, err := s.WriteBatch(b, 1, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}
