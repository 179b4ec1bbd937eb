package usbtransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFatalClassification(t *testing.T) {
	fatal := []Status{StatusTimeout, StatusOverflow, StatusUnknown}
	for _, s := range fatal {
		assert.True(t, s.Fatal(), "%v should be fatal", s)
	}
	normal := []Status{StatusOK, StatusHalted, StatusUnplugged}
	for _, s := range normal {
		assert.False(t, s.Fatal(), "%v should not be fatal", s)
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "OK", StatusOK.String())
	assert.Equal(t, "TIMEOUT", StatusTimeout.String())
	assert.Equal(t, "UNKNOWN", Status(99).String())
}

func TestFakeYieldsScriptedPacketsThenFinalStatus(t *testing.T) {
	p1 := []byte{3, 'a', 'b', 'c', 0, 0, 0, 0}
	p2 := []byte{2, 'd', 'e', 0, 0, 0, 0, 0}
	f := NewFake([][]byte{p1, p2}, StatusUnplugged)

	buf := make([]byte, 8)

	n, status := f.Read(buf)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, 8, n)
	assert.Equal(t, byte(3), buf[0])

	n, status = f.Read(buf)
	require.Equal(t, StatusOK, status)
	assert.Equal(t, byte(2), buf[0])

	_, status = f.Read(buf)
	assert.Equal(t, StatusUnplugged, status)
	_, status = f.Read(buf)
	assert.Equal(t, StatusUnplugged, status, "final status should repeat")
}

func TestFakeCloseIsIdempotentAndObservable(t *testing.T) {
	f := NewFake(nil, StatusHalted)
	assert.False(t, f.Closed())
	require.NoError(t, f.Close())
	assert.True(t, f.Closed())
	require.NoError(t, f.Close())
}

func TestFakeSatisfiesTransportInterface(t *testing.T) {
	var _ Transport = (*Fake)(nil)
}
