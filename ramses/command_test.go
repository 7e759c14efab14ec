package ramses

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStringAndFrame(t *testing.T) {
	dst := MustParseAddress("01:145038")
	cmd := CmdSetpointW(dst, "00", 2100)
	assert.Contains(t, cmd.String(), "2309")
	assert.Equal(t, "00", cmd.Payload[:2])

	src := MustParseAddress(HGIGenericAddr)
	frame := cmd.frame(src)
	assert.Equal(t, Code2309, frame.Code)
	assert.Equal(t, dst.String(), frame.Addr1.String())
}

func TestCommandWaitResolvesOnFinish(t *testing.T) {
	cmd := NewCommand(VerbRQ, Code000A, MustParseAddress("01:145038"), "00", PriorityDefault, DefaultQos)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cmd.finish(nil)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := cmd.Wait(ctx)
	assert.NoError(t, err)
	assert.Equal(t, stateDone, cmd.State())
}

func TestCommandWaitRespectsContextCancel(t *testing.T) {
	cmd := NewCommand(VerbRQ, Code000A, MustParseAddress("01:145038"), "00", PriorityDefault, DefaultQos)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := cmd.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandFinishIsIdempotent(t *testing.T) {
	cmd := NewCommand(VerbRQ, Code000A, MustParseAddress("01:145038"), "00", PriorityDefault, DefaultQos)
	cmd.finish(nil)
	assert.NotPanics(t, func() { cmd.finish(assert.AnError) })
	assert.Equal(t, stateDone, cmd.State())
}

func TestCmdBindOfferPayload(t *testing.T) {
	self := MustParseAddress("01:145038")
	cmd := CmdBindOffer(self, []BindOfferEntry{{DomainID: "00", Code: Code2309, Device: self}})
	require.NotNil(t, cmd)
	assert.Equal(t, VerbI, cmd.Verb)
	assert.Equal(t, Code1FC9, cmd.Code)
	assert.True(t, cmd.Dst.IsBroadcast())
}
