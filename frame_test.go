package msgframe

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeConn is a TimeoutConn over an in-memory reader that records every
// timeout change.
type fakeConn struct {
	r       io.Reader
	timeout time.Duration
	sets    []time.Duration

	getErr  error
	setErrs []error // consumed one per SetReadTimeout call
	read    int
}

func (c *fakeConn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += n
	return n, err
}

func (c *fakeConn) ReadTimeout() (time.Duration, error) {
	return c.timeout, c.getErr
}

func (c *fakeConn) SetReadTimeout(d time.Duration) error {
	if len(c.setErrs) > 0 {
		err := c.setErrs[0]
		c.setErrs = c.setErrs[1:]
		if err != nil {
			return err
		}
	}
	c.sets = append(c.sets, d)
	c.timeout = d
	return nil
}

// errReader fails every read with err.
type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// timeoutError mimics the error returned by a socket read past its deadline.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func encodeTestFrame(order binary.ByteOrder, size int32, payload []byte) []byte {
	buf := make([]byte, PrefixSize, PrefixSize+len(payload))
	order.PutUint32(buf, uint32(size))
	return append(buf, payload...)
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	_, err := rand.New(rand.NewSource(int64(n))).Read(p)
	require.NoError(t, err)
	return p
}

func newTestReader(t *testing.T, conn *fakeConn, opts ...FrameOption) *FrameReader {
	t.Helper()
	r, err := NewFrameReader(conn, opts...)
	require.NoError(t, err)
	return r
}

func TestFrameReader_RoundTrip(t *testing.T) {
	for _, size := range []int{MinFrameSize, MinFrameSize + 1, 100, 4096, 1 << 16} {
		payload := randomPayload(t, size-PrefixSize)
		conn := &fakeConn{r: bytes.NewReader(encodeTestFrame(binary.NativeEndian, int32(size), payload))}
		r := newTestReader(t, conn)

		res, err := r.Read()
		require.NoError(t, err, "size %d", size)
		require.Equal(t, StatusPayload, res.Status)
		require.Equal(t, payload, res.Payload, "size %d", size)
		require.Zero(t, res.Discarded)
	}
}

func TestFrameReader_ConcreteScenario(t *testing.T) {
	payload := randomPayload(t, 32)
	conn := &fakeConn{r: bytes.NewReader(encodeTestFrame(binary.NativeEndian, 36, payload))}
	r := newTestReader(t, conn)

	got, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, payload, got)

	got, err = r.ReadMessageMillis(100)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF}, got)
	require.Equal(t, time.Duration(0), conn.timeout, "baseline not restored")
	require.Equal(t, []time.Duration{100 * time.Millisecond, 0}, conn.sets)
}

func TestFrameReader_Ordering(t *testing.T) {
	first := randomPayload(t, 28)
	second := randomPayload(t, 60)
	var stream bytes.Buffer
	stream.Write(encodeTestFrame(binary.NativeEndian, 32, first))
	stream.Write(encodeTestFrame(binary.NativeEndian, 64, second))

	r := newTestReader(t, &fakeConn{r: &stream})

	res, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, first, res.Payload)

	res, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, second, res.Payload)

	res, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, StatusClosed, res.Status)
}

func TestFrameReader_MinimumSizeRejected(t *testing.T) {
	for _, size := range []int32{-1, 0, PrefixSize, MinFrameSize - 1} {
		trailing := randomPayload(t, 64)
		conn := &fakeConn{r: bytes.NewReader(encodeTestFrame(binary.NativeEndian, size, trailing))}
		r := newTestReader(t, conn)

		res, err := r.Read()
		require.Error(t, err, "size %d", size)
		require.True(t, errors.Is(err, ErrInvalidFrameSize), "size %d: %v", size, err)
		require.Equal(t, PrefixSize, conn.read, "payload must not be read for size %d", size)
		require.Nil(t, res.Payload)
	}
}

func TestFrameReader_MaxFrameSize(t *testing.T) {
	conn := &fakeConn{r: bytes.NewReader(encodeTestFrame(binary.NativeEndian, 128, randomPayload(t, 124)))}
	r := newTestReader(t, conn, WithMaxFrameSize(64))

	_, err := r.Read()
	require.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
	require.Equal(t, PrefixSize, conn.read)
}

func TestFrameReader_DefaultMaxFrameSize(t *testing.T) {
	conn := &fakeConn{r: bytes.NewReader(encodeTestFrame(binary.NativeEndian, 2<<20, randomPayload(t, 64)))}
	r := newTestReader(t, conn)

	res, err := r.Read()
	require.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
	require.Nil(t, res.Payload)
	require.Equal(t, PrefixSize, conn.read)
}

func TestFrameReader_ByteOrder(t *testing.T) {
	payload := randomPayload(t, 40)
	conn := &fakeConn{r: bytes.NewReader(encodeTestFrame(binary.BigEndian, 44, payload))}
	r := newTestReader(t, conn, WithByteOrder(binary.BigEndian))

	res, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, payload, res.Payload)
}

func TestFrameReader_Closed(t *testing.T) {
	full := encodeTestFrame(binary.NativeEndian, 40, randomPayload(t, 36))
	cases := []struct {
		name      string
		stream    []byte
		discarded int
	}{
		{"empty stream", nil, 0},
		{"partial prefix", full[:2], 2},
		{"prefix only", full[:PrefixSize], PrefixSize},
		{"partial payload", full[:PrefixSize+10], PrefixSize + 10},
	}
	for _, cs := range cases {
		t.Run(cs.name, func(t *testing.T) {
			conn := &fakeConn{r: bytes.NewReader(cs.stream)}
			r := newTestReader(t, conn)

			res, err := r.Read()
			require.NoError(t, err)
			require.Equal(t, StatusClosed, res.Status)
			require.Equal(t, cs.discarded, res.Discarded)
			require.Equal(t, []byte{ClosedSentinel}, res.Bytes())
		})
	}
}

func TestFrameReader_TimedOut(t *testing.T) {
	full := encodeTestFrame(binary.NativeEndian, 40, randomPayload(t, 36))
	cases := []struct {
		name      string
		stream    []byte
		err       error
		discarded int
	}{
		{"before prefix", nil, timeoutError{}, 0},
		{"deadline exceeded", nil, os.ErrDeadlineExceeded, 0},
		{"after prefix", full[:PrefixSize], timeoutError{}, PrefixSize},
		{"mid payload", full[:PrefixSize+7], timeoutError{}, PrefixSize + 7},
	}
	for _, cs := range cases {
		t.Run(cs.name, func(t *testing.T) {
			conn := &fakeConn{
				r:       io.MultiReader(bytes.NewReader(cs.stream), errReader{cs.err}),
				timeout: 250 * time.Millisecond,
			}
			r := newTestReader(t, conn)

			got, err := r.ReadMessageTimeout(50 * time.Millisecond)
			require.NoError(t, err)
			require.NotNil(t, got)
			require.Len(t, got, 0)
			require.Equal(t, 250*time.Millisecond, conn.timeout)
		})
	}

	conn := &fakeConn{r: io.MultiReader(bytes.NewReader(full[:PrefixSize+7]), errReader{timeoutError{}})}
	res, err := newTestReader(t, conn).ReadTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, res.Status)
	require.Equal(t, PrefixSize+7, res.Discarded)
}

func TestFrameReader_IOFailure(t *testing.T) {
	reset := errors.New("connection reset by peer")
	conn := &fakeConn{r: errReader{reset}}
	r := newTestReader(t, conn)

	res, err := r.Read()
	require.Error(t, err)
	require.True(t, errors.Is(err, reset))
	require.Zero(t, res.Status)

	_, err = r.ReadMessage()
	require.True(t, errors.Is(err, reset))
}

func TestFrameReader_RestoresBaselineOnEveryOutcome(t *testing.T) {
	const baseline = 250 * time.Millisecond
	valid := encodeTestFrame(binary.NativeEndian, 36, randomPayload(t, 32))
	streams := map[string]io.Reader{
		"success":      bytes.NewReader(valid),
		"closed":       bytes.NewReader(nil),
		"timed out":    errReader{timeoutError{}},
		"invalid size": bytes.NewReader(encodeTestFrame(binary.NativeEndian, 8, nil)),
		"io failure":   errReader{errors.New("broken pipe")},
	}
	for name, stream := range streams {
		t.Run(name, func(t *testing.T) {
			conn := &fakeConn{r: stream, timeout: baseline}
			r := newTestReader(t, conn)
			require.Equal(t, baseline, r.Baseline())

			_, _ = r.ReadTimeout(10 * time.Millisecond)
			require.Equal(t, baseline, conn.timeout)
			require.Equal(t, []time.Duration{10 * time.Millisecond, baseline}, conn.sets)
		})
	}
}

func TestFrameReader_BaselineTimeoutLeavesConnUntouched(t *testing.T) {
	conn := &fakeConn{r: bytes.NewReader(nil), timeout: time.Second}
	r := newTestReader(t, conn)

	res, err := r.ReadTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, res.Status)
	require.Empty(t, conn.sets)
}

func TestNewFrameReader_TimeoutUnavailable(t *testing.T) {
	getErr := errors.New("socket closed")
	_, err := NewFrameReader(&fakeConn{getErr: getErr})
	require.Error(t, err)
	require.True(t, errors.Is(err, getErr))
}

func TestFrameReader_SetTimeoutFails(t *testing.T) {
	setErr := errors.New("setsockopt failed")
	conn := &fakeConn{r: bytes.NewReader(nil), setErrs: []error{setErr}}
	r := newTestReader(t, conn)

	_, err := r.ReadTimeout(time.Second)
	require.True(t, errors.Is(err, setErr))
	require.Zero(t, conn.read, "no read after a failed override")
	require.Equal(t, []time.Duration{0}, conn.sets, "baseline restore still attempted")
}

func TestFrameReader_RestoreFailureSurfaces(t *testing.T) {
	restoreErr := errors.New("setsockopt failed")
	payload := randomPayload(t, 28)
	conn := &fakeConn{
		r:       bytes.NewReader(encodeTestFrame(binary.NativeEndian, 32, payload)),
		setErrs: []error{nil, restoreErr},
	}
	r := newTestReader(t, conn)

	res, err := r.ReadTimeout(time.Second)
	require.True(t, errors.Is(err, restoreErr))
	require.Equal(t, payload, res.Payload)
}

func TestFrameReader_RestoreFailureKeepsMessage(t *testing.T) {
	restoreErr := errors.New("setsockopt failed")
	payload := randomPayload(t, 28)
	conn := &fakeConn{
		r:       bytes.NewReader(encodeTestFrame(binary.NativeEndian, 32, payload)),
		setErrs: []error{nil, restoreErr},
	}
	r := newTestReader(t, conn)

	msg, err := r.ReadMessageTimeout(time.Second)
	require.True(t, errors.Is(err, restoreErr))
	require.Equal(t, payload, msg)
}

func TestFrameReader_OverStream(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	stream := NewStream(serverConn)
	r, err := NewFrameReader(stream)
	require.NoError(t, err)

	start := time.Now()
	res, err := r.ReadTimeout(50 * time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, res.Status)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	timeout, err := stream.ReadTimeout()
	require.NoError(t, err)
	require.Zero(t, timeout)

	payload := randomPayload(t, 60)
	require.NoError(t, NewFrameWriter(clientConn).WriteFrame(payload))

	res, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, payload, res.Payload)

	require.NoError(t, clientConn.Close())
	got, err := r.ReadMessageTimeout(time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{ClosedSentinel}, got)
}

func TestResult_Bytes(t *testing.T) {
	payload := []byte("payload")
	require.Equal(t, payload, Result{Status: StatusPayload, Payload: payload}.Bytes())
	require.Equal(t, []byte{0xFF}, Result{Status: StatusClosed}.Bytes())
	require.Equal(t, []byte{}, Result{Status: StatusTimedOut}.Bytes())
}

func TestStatus_String(t *testing.T) {
	require.Equal(t, "payload", StatusPayload.String())
	require.Equal(t, "closed", StatusClosed.String())
	require.Equal(t, "timed out", StatusTimedOut.String())
	require.Equal(t, "unknown", Status(0).String())
}
