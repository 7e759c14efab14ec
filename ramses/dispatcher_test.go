package ramses

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherProcessValid(t *testing.T) {
	d := NewDispatcher(nil)
	pkt := mustPacket(t, sampleZoneTempLine)
	msg, err := d.Process(pkt, time.Now())
	require.NoError(t, err)
	assert.Equal(t, Code2309, msg.Pkt.Code)

	e, ok := d.GetEntity(MustParseAddress("01:145038"))
	require.True(t, ok)
	latest, ok := e.Latest(Code2309)
	require.True(t, ok)
	assert.Equal(t, msg, latest)
}

func TestDispatcherRejectsSameTypeHeatOnlyCode(t *testing.T) {
	d := NewDispatcher(nil)
	// Two CTLs (type "01") exchanging 0001, a heat-domain-only code: invalid.
	line := "046  W 000 01:145038 01:999999 --:------ 0001 016 00FFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"
	pkt := mustPacket(t, line)
	_, err := d.Process(pkt, time.Now())
	require.Error(t, err)
	var addrErr *PacketAddrSetInvalid
	assert.ErrorAs(t, err, &addrErr)
}

func TestDispatcherDontCreateEntities(t *testing.T) {
	d := NewDispatcher(nil)
	d.DontCreateEntities = true
	pkt := mustPacket(t, sampleZoneTempLine)
	_, err := d.Process(pkt, time.Now())
	assert.Error(t, err)
}

func TestDispatcherDetectArrayFragmentMerge(t *testing.T) {
	d := NewDispatcher(nil)
	now := time.Now()

	first := mustPacket(t, "046  I 000 01:145038 01:145038 --:------ 000A 003 000838")
	msg1, err := d.Process(first, now)
	require.NoError(t, err)
	assert.Equal(t, "000838", msg1.Pkt.Payload)

	second := mustPacket(t, "046  I 000 01:145038 01:145038 --:------ 000A 003 010730")
	msg2, err := d.Process(second, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "000838010730", msg2.Pkt.Payload)
}

func TestDispatcherCheckSlugRoleHardcodedException(t *testing.T) {
	d := NewDispatcher(nil)
	// CTL/RQ/3EF1 is a hard-coded exception even though the table only
	// lists RQ,RP for CTL under 3EF1... this should simply not warn/panic.
	err := d.checkSlugRole(MustParseAddress("01:145038"), VerbRQ, Code3EF1, true)
	assert.NoError(t, err)
}
