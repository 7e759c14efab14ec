package ramses

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityHandleAndLatest(t *testing.T) {
	e := NewEntity(MustParseAddress("01:145038"))
	pkt := mustPacket(t, sampleZoneTempLine)
	msg, err := BuildMessage(pkt, time.Now())
	require.NoError(t, err)

	e.Handle(msg)

	latest, ok := e.Latest(Code2309)
	require.True(t, ok)
	assert.Equal(t, msg, latest)
}

func TestEntityRQDoesNotUpdateLatest(t *testing.T) {
	e := NewEntity(MustParseAddress("01:145038"))
	pkt := mustPacket(t, "046 RQ 000 18:000730 01:145038 --:------ 3EF1 001 00")
	msg, err := BuildMessage(pkt, time.Now())
	require.NoError(t, err)

	e.Handle(msg)

	_, ok := e.Latest(Code3EF1)
	assert.False(t, ok)

	got, ok := e.Get(Code3EF1, VerbRQ, "00")
	require.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestEntitySweepEvictsExpired(t *testing.T) {
	e := NewEntity(MustParseAddress("01:145038"))
	pkt := mustPacket(t, "046  I 000 01:145038 01:145038 --:------ 30C9 003 00071A")
	// 30C9's default lifespan is 1h; expiry needs 2x that plus grace.
	old := time.Now().Add(-(2*time.Hour + 10*time.Second))
	msg, err := BuildMessage(pkt, old)
	require.NoError(t, err)
	e.Handle(msg)

	n := e.Sweep(time.Now())
	assert.Equal(t, 2, n) // one in `latest`, one in the (code,verb,idx) index

	_, ok := e.Latest(Code30C9)
	assert.False(t, ok)
}

func TestEntityStrictConsistencyLogsMismatchButDoesNotFail(t *testing.T) {
	e := NewEntity(MustParseAddress("01:145038"))
	e.StrictConsistency = true

	iPkt := mustPacket(t, "046  I 000 01:145038 01:145038 --:------ 000A 006 020001F40001")
	iMsg, err := BuildMessage(iPkt, time.Now())
	require.NoError(t, err)
	e.Handle(iMsg)

	// Same (code, idx), different payload, arriving as the opposite verb:
	// this is a recoverable mismatch, not an error — Handle must not panic
	// and the later message still gets cached normally.
	rpPkt := mustPacket(t, "046 RP 000 18:000730 01:145038 --:------ 000A 006 020001F40002")
	rpMsg, err := BuildMessage(rpPkt, time.Now())
	require.NoError(t, err)
	require.NotPanics(t, func() { e.Handle(rpMsg) })

	latest, ok := e.Latest(Code000A)
	require.True(t, ok)
	assert.Equal(t, rpMsg, latest)
}

func TestEntityStrictConsistencyOffByDefault(t *testing.T) {
	e := NewEntity(MustParseAddress("01:145038"))
	assert.False(t, e.StrictConsistency)
}

func TestEntitySweepKeepsFresh(t *testing.T) {
	e := NewEntity(MustParseAddress("01:145038"))
	pkt := mustPacket(t, sampleZoneTempLine)
	msg, err := BuildMessage(pkt, time.Now())
	require.NoError(t, err)
	e.Handle(msg)

	n := e.Sweep(time.Now())
	assert.Equal(t, 0, n)

	_, ok := e.Latest(Code2309)
	assert.True(t, ok)
}
