package ramses

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingHappyPath(t *testing.T) {
	now := time.Now()
	trv := MustParseAddress("04:123456")
	ctl := MustParseAddress("01:145038")

	supplicant := NewSupplicantBinding(trv, []BindOfferEntry{{DomainID: "00", Code: Code2309, Device: trv}}, time.Minute, now)
	offerCmd := supplicant.Start()
	require.NotNil(t, offerCmd)
	assert.Equal(t, BindOffered, supplicant.State())

	respondent := NewRespondentBinding(ctl, func(offer []BindOfferEntry) []BindOfferEntry {
		return offer
	}, time.Minute, now)

	offerPkt := offerCmd.frame(trv)
	offerMsg, err := BuildMessage(offerPkt, now)
	require.NoError(t, err)

	acceptCmd, err := respondent.Step(offerMsg, now)
	require.NoError(t, err)
	require.NotNil(t, acceptCmd)
	assert.Equal(t, BindAccepted, respondent.State())

	acceptPkt := acceptCmd.frame(ctl)
	acceptMsg, err := BuildMessage(acceptPkt, now)
	require.NoError(t, err)

	confirmCmd, err := supplicant.Step(acceptMsg, now)
	require.NoError(t, err)
	require.NotNil(t, confirmCmd)
	assert.Equal(t, BindConfirmed, supplicant.State())

	// 1FC9 confirms aren't acknowledged: both sides need to see the confirm
	// three times (either as the supplicant's own echo, or as the
	// respondent's direct receipt) before calling the binding Bound.
	for i := 0; i < confirmsToBind; i++ {
		confirmPkt := confirmCmd.frame(trv)
		confirmMsg, err := BuildMessage(confirmPkt, now)
		require.NoError(t, err)

		respCmd, err := respondent.Step(confirmMsg, now)
		require.NoError(t, err)
		assert.Nil(t, respCmd)

		next, err := supplicant.Step(confirmMsg, now)
		require.NoError(t, err)
		confirmCmd = next

		if i < confirmsToBind-1 {
			assert.Equal(t, BindBoundAccepted, respondent.State())
			assert.Equal(t, BindConfirmed, supplicant.State())
			require.NotNil(t, confirmCmd, "supplicant should retransmit until the third confirm")
		}
	}

	select {
	case <-supplicant.Wait():
	default:
		t.Fatal("supplicant should be bound after its third confirm echo")
	}
	assert.Equal(t, BindBound, supplicant.State())

	select {
	case <-respondent.Wait():
	default:
		t.Fatal("respondent should be bound after the third confirm")
	}
	assert.Equal(t, BindBound, respondent.State())
}

func TestBindingTimesOut(t *testing.T) {
	now := time.Now()
	trv := MustParseAddress("04:123456")
	b := NewSupplicantBinding(trv, []BindOfferEntry{{DomainID: "00", Code: Code2309, Device: trv}}, time.Second, now)
	b.Start()

	unrelated, err := ParsePacket("046  I 000 13:050000 13:050000 --:------ 1FC9 006 0030C9145038")
	require.NoError(t, err)
	msg, err := BuildMessage(unrelated, now.Add(2*time.Second))
	require.NoError(t, err)

	_, err = b.Step(msg, now.Add(2*time.Second))
	assert.Error(t, err)
	var timeout *BindingTimeout
	assert.ErrorAs(t, err, &timeout)
	assert.Equal(t, BindFailed, b.State())
}
