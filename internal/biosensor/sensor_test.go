package biosensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cannon-zz/cardiacam-go/internal/samplequeue"
	"github.com/cannon-zz/cardiacam-go/internal/usbtransport"
)

// packetize splits data into the device's 8-byte framing: byte 0 is the
// count of valid payload bytes (0-7) among the trailing 7.
func packetize(data string) [][]byte {
	var packets [][]byte
	b := []byte(data)
	for len(b) > 0 {
		n := len(b)
		if n > 7 {
			n = 7
		}
		p := make([]byte, 8)
		p[0] = byte(n)
		copy(p[1:], b[:n])
		packets = append(packets, p)
		b = b[n:]
	}
	return packets
}

// scriptedClock hands out instants from a fixed schedule, one per call
// to Now, so arrival timing in a test is exactly reproducible.
type scriptedClock struct {
	i     int
	times []time.Time
}

func (c *scriptedClock) Now() time.Time {
	t := c.times[c.i]
	if c.i < len(c.times)-1 {
		c.i++
	}
	return t
}

func drainQueue(q *samplequeue.Queue) []samplequeue.Sample {
	head, _ := q.WaitForLookahead(0, -1)
	var out []samplequeue.Sample
	for n := head; n != nil; n = n.Next {
		out = append(out, n.Sample)
	}
	return out
}

// TestS2ParserMixedRecords is the literal scenario from spec.md §8, S2.
func TestS2ParserMixedRecords(t *testing.T) {
	input := "<VER>2A<\\VER><RAW>1234 5678<\\RAW>junk<RAW>FFFF 0000<\\RAW>"
	packets := packetize(input)
	fake := usbtransport.NewFake(packets, usbtransport.StatusHalted)

	s := New(fake, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	props := s.Properties()
	assert.EqualValues(t, 0x2a, props.Version)
	assert.Equal(t, unsetProperty, props.Serial, "no <SER> record was ever seen")

	samples := drainQueue(s.queue)
	// The first <RAW> record only primes the PLL (its period is still
	// zero), so the collector drops it; only the second is queued.
	require.Len(t, samples, 1)

	var gotFirst, gotSecond bool
	for _, sm := range samples {
		if sm.Scl == float64(0x1234)/65536.0 && sm.Ppg == float64(0x5678)/65536.0 {
			gotFirst = true
		}
		if sm.Scl == float64(0xffff)/65536.0 && sm.Ppg == 0.0 {
			gotSecond = true
		}
	}
	assert.False(t, gotFirst, "the priming (0x1234, 0x5678) sample should not be queued")
	assert.True(t, gotSecond, "expected (0xffff, 0x0000) sample")
}

// TestS4UnplugMidStream is the literal scenario from spec.md §8, S4: the
// transport reporting UNPLUGGED must surface as end-of-stream, not an
// error, and Stop must still release the transport cleanly afterward.
func TestS4UnplugMidStream(t *testing.T) {
	packets := packetize("<RAW>0001 0002<\\RAW>")
	fake := usbtransport.NewFake(packets, usbtransport.StatusUnplugged)

	s := New(fake, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	_, status := s.Fill(0, 1)
	assert.Equal(t, samplequeue.StatusEOS, status)
	assert.True(t, fake.Closed())
}

// TestTransportFatalStatusSurfacesAsError covers the transport-fatal path:
// an UNKNOWN/TIMEOUT/OVERFLOW status must surface as ERROR so the
// consumer's next Fill reports it, not EOS.
func TestTransportFatalStatusSurfacesAsError(t *testing.T) {
	fake := usbtransport.NewFake(nil, usbtransport.StatusOverflow)

	s := New(fake, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	_, status := s.Fill(0, 1)
	assert.Equal(t, samplequeue.StatusError, status)
}

// TestS5ConstantDC is the literal scenario from spec.md §8, S5: a
// uniformly spaced stream of identical samples should resample back to
// the same constant value away from the stream's edges.
func TestS5ConstantDC(t *testing.T) {
	const period = 20 * time.Millisecond
	const n = 80
	const record = `<RAW>8000 8000<\RAW>`

	// Each record is chunked independently (record boundaries always
	// reset the 7-byte framing), so record i always completes on its
	// own 3rd packet. Only that completing packet's clock reading ever
	// reaches the PLL; every packet in record i's group is pinned to
	// the same instant, base + i*period, giving perfectly uniform
	// arrivals.
	var packets [][]byte
	for i := 0; i < n; i++ {
		packets = append(packets, packetize(record)...)
	}
	base := time.Unix(0, 0)
	times := make([]time.Time, len(packets)+1)
	times[0] = base
	for p := 0; p < len(packets); p++ {
		i := p / 3
		times[p+1] = base.Add(time.Duration(i) * period)
	}

	fake := usbtransport.NewFake(packets, usbtransport.StatusHalted)
	s := New(fake, nil)
	s.clock = &scriptedClock{times: times}

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	// The collector has exited and left the queue at EOS, and Fill
	// writes no frame while the status is not OK; put the status back to
	// OK so Fill reads the queued samples as it would mid-stream.
	s.queue.SetStatus(samplequeue.StatusOK)

	frame, status := s.Fill(10, 5)
	require.Equal(t, samplequeue.StatusOK, status)
	for i, v := range frame.Scl {
		assert.InDelta(t, 0.5, v, 1e-6, "scl[%d]", i)
	}
	for i, v := range frame.Ppg {
		assert.InDelta(t, 0.5, v, 1e-6, "ppg[%d]", i)
	}
}

// TestShortReadSurfacesAsError covers spec.md §7/§8 S3: a short USB read
// (n != 8) while the transport status is still OK must be reported as a
// fatal flow error, the same as an explicit transport-fatal status.
func TestShortReadSurfacesAsError(t *testing.T) {
	short := []byte{3, 'a', 'b', 'c'} // 4 bytes, not the full 8-byte frame
	fake := usbtransport.NewFake([][]byte{short}, usbtransport.StatusHalted)

	s := New(fake, nil)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	_, status := s.Fill(0, 1)
	assert.Equal(t, samplequeue.StatusError, status)
}

// TestPLLInvariantViolationSurfacesAsErrorWithoutCrashing drives the
// collector through a PLL period collapse (dt<=0) and checks it reports
// ERROR and exits cleanly instead of panicking the process.
func TestPLLInvariantViolationSurfacesAsErrorWithoutCrashing(t *testing.T) {
	// Prime, establish a small period, then a huge backward jump in the
	// scripted clock drives the loop-filter correction past -dt.
	packets := packetize("<RAW>0001 0002<\\RAW><RAW>0001 0002<\\RAW><RAW>0001 0002<\\RAW>")
	fake := usbtransport.NewFake(packets, usbtransport.StatusHalted)

	base := time.Unix(0, 0)
	times := []time.Time{
		base,
		base.Add(1000), base.Add(1000), base.Add(1000),
		base.Add(2000), base.Add(2000), base.Add(2000),
		base.Add(2000 - 1_998_000), base.Add(2000 - 1_998_000), base.Add(2000 - 1_998_000),
	}

	s := New(fake, nil)
	s.clock = &scriptedClock{times: times}

	assert.NotPanics(t, func() {
		require.NoError(t, s.Start())
		require.NoError(t, s.Stop())
	})

	_, status := s.Fill(0, 1)
	assert.Equal(t, samplequeue.StatusError, status)
}

func TestStartTwiceWithoutStopFails(t *testing.T) {
	fake := usbtransport.NewFake(nil, usbtransport.StatusHalted)
	s := New(fake, nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestUnsetPropertiesUseSentinelNotZero(t *testing.T) {
	fake := usbtransport.NewFake(nil, usbtransport.StatusHalted)
	s := New(fake, nil)
	props := s.Properties()
	assert.Equal(t, unsetProperty, props.Version)
	assert.Equal(t, unsetProperty, props.Serial)
	assert.False(t, props.PLLLocked)
}

type recordingListener struct {
	calls []Properties
}

func (l *recordingListener) OnPropertiesChanged(p Properties) {
	l.calls = append(l.calls, p)
}

func TestListenerNotifiedOnVersionChange(t *testing.T) {
	packets := packetize("<VER>07<\\VER><RAW>0001 0002<\\RAW>")
	fake := usbtransport.NewFake(packets, usbtransport.StatusHalted)

	s := New(fake, nil)
	l := &recordingListener{}
	s.AddListener(l)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	require.NotEmpty(t, l.calls)
	found := false
	for _, p := range l.calls {
		if p.Version == 7 {
			found = true
		}
	}
	assert.True(t, found, "listener should have observed version=7")
}
