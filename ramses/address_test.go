package ramses

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("01:145038", false)
	require.NoError(t, err)
	assert.Equal(t, "01:145038", a.String())
	assert.Equal(t, "01", a.Type())
	assert.False(t, a.IsNone())
	assert.False(t, a.IsBroadcast())
}

func TestParseAddressSentinels(t *testing.T) {
	none, err := ParseAddress(NoAddr, false)
	require.NoError(t, err)
	assert.True(t, none.IsNone())

	bcast, err := ParseAddress(BroadcastAddr, false)
	require.NoError(t, err)
	assert.True(t, bcast.IsBroadcast())
}

func TestParseAddressMalformed(t *testing.T) {
	_, err := ParseAddress("not-an-address", false)
	assert.Error(t, err)
}

func TestParseAddressStrictUnknownType(t *testing.T) {
	_, err := ParseAddress("99:123456", true)
	assert.Error(t, err)

	// non-strict accepts the same string
	a, err := ParseAddress("99:123456", false)
	require.NoError(t, err)
	_, ok := a.DeviceClass()
	assert.False(t, ok)
	assert.Equal(t, DevSlugDEV, a.Slug())
}

func TestAddressDeviceClass(t *testing.T) {
	ctl := MustParseAddress("01:145038")
	dc, ok := ctl.DeviceClass()
	require.True(t, ok)
	assert.Equal(t, DevSlugCTL, dc.Slug)
	assert.True(t, dc.IsHeatDevice)

	hgi := MustParseAddress(HGIGenericAddr)
	assert.True(t, hgi.IsHGI())
}
