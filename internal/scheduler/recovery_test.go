package scheduler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
	"funding_keeper/internal/scheduler"
	apperrors "funding_keeper/pkg/errors"
)

func TestDetermineMissingSide_PinnedAssignmentWins(t *testing.T) {
	pos := &core.Position{Venue: core.VenueLighter, Symbol: "MEGA", Side: core.SideShort, Size: d(158)}
	info := &core.SingleLegRetryInfo{
		Symbol: "MEGA", LongVenue: core.VenueHyperliquid, ShortVenue: core.VenueLighter,
	}

	venue, side, err := scheduler.DetermineMissingSide(pos, info,
		[]core.Venue{core.VenueAster, core.VenueHyperliquid, core.VenueLighter},
		[]core.Venue{core.VenueAster})

	require.NoError(t, err)
	assert.Equal(t, core.VenueHyperliquid, venue, "the pin beats the preference list")
	assert.Equal(t, core.SideLong, side)
}

func TestDetermineMissingSide_DerivesFromPreferenceWithoutPin(t *testing.T) {
	pos := &core.Position{Venue: core.VenueLighter, Side: core.SideLong}

	venue, side, err := scheduler.DetermineMissingSide(pos, nil,
		[]core.Venue{core.VenueAster, core.VenueHyperliquid, core.VenueLighter},
		[]core.Venue{core.VenueHyperliquid})

	require.NoError(t, err)
	assert.Equal(t, core.VenueHyperliquid, venue)
	assert.Equal(t, core.SideShort, side)
}

func TestDetermineMissingSide_FallsBackToFirstAvailable(t *testing.T) {
	pos := &core.Position{Venue: core.VenueHyperliquid, Side: core.SideShort}

	venue, side, err := scheduler.DetermineMissingSide(pos, nil,
		[]core.Venue{core.VenueAster, core.VenueHyperliquid},
		[]core.Venue{core.VenueLighter})

	require.NoError(t, err)
	assert.Equal(t, core.VenueAster, venue, "no preferred venue available, first remaining wins")
	assert.Equal(t, core.SideLong, side)
}

func TestDetermineMissingSide_RecordForOtherVenuesIsIgnored(t *testing.T) {
	// A record that does not mention the exposed venue belongs to some
	// other pairing and must not steer this recovery.
	pos := &core.Position{Venue: core.VenueLighter, Side: core.SideShort}
	info := &core.SingleLegRetryInfo{
		Symbol: "MEGA", LongVenue: core.VenueAster, ShortVenue: core.VenueExtended,
	}

	venue, side, err := scheduler.DetermineMissingSide(pos, info,
		[]core.Venue{core.VenueHyperliquid, core.VenueLighter},
		[]core.Venue{core.VenueHyperliquid})

	require.NoError(t, err)
	assert.Equal(t, core.VenueHyperliquid, venue)
	assert.Equal(t, core.SideLong, side)
}

func TestDetermineMissingSide_NoCounterparty(t *testing.T) {
	pos := &core.Position{Venue: core.VenueLighter, Side: core.SideShort}

	_, _, err := scheduler.DetermineMissingSide(pos, nil,
		[]core.Venue{core.VenueLighter}, nil)

	assert.ErrorIs(t, err, apperrors.ErrNoCounterparty)
}

func TestDetermineMissingSide_RejectsHedgeOnExposedVenue(t *testing.T) {
	// A corrupt pin routing the hedge back onto the exposed venue must
	// be refused outright.
	pos := &core.Position{Venue: core.VenueLighter, Side: core.SideShort}
	info := &core.SingleLegRetryInfo{
		Symbol: "MEGA", LongVenue: core.VenueLighter, ShortVenue: core.VenueLighter,
	}

	_, _, err := scheduler.DetermineMissingSide(pos, info,
		[]core.Venue{core.VenueHyperliquid, core.VenueLighter},
		[]core.Venue{core.VenueHyperliquid})

	assert.ErrorIs(t, err, apperrors.ErrNoCounterparty)
}

func TestSymbolState_ExposedRequiresExactlyOneLeg(t *testing.T) {
	long := core.Position{Venue: core.VenueHyperliquid, Symbol: "MEGA", Side: core.SideLong, Size: d(1)}
	short := core.Position{Venue: core.VenueHyperliquid, Symbol: "MEGA", Side: core.SideShort, Size: d(1)}

	single := &scheduler.SymbolState{Symbol: "MEGA", Longs: []core.Position{long}}
	require.NotNil(t, single.Exposed())
	assert.Equal(t, core.SideLong, single.Exposed().Side)

	bothSides := &scheduler.SymbolState{
		Symbol: "MEGA", Longs: []core.Position{long}, Shorts: []core.Position{short},
	}
	assert.Nil(t, bothSides.Exposed(), "both sides on one venue cannot be hedged automatically")

	doubled := &scheduler.SymbolState{Symbol: "MEGA", Longs: []core.Position{long, long}}
	assert.Nil(t, doubled.Exposed())
}
