package core

// VenueEvent is the typed stream value a venue adapter emits on its event
// channel. Exactly two concrete kinds exist: OrderUpdate and
// PositionsUpdate. The market cache is the sole consumer per venue.
type VenueEvent interface {
	EventVenue() Venue
	venueEvent()
}

// OrderUpdate notifies an order status transition on a venue.
type OrderUpdate struct {
	Venue Venue
	Order Order
}

func (u OrderUpdate) EventVenue() Venue { return u.Venue }
func (u OrderUpdate) venueEvent()       {}

// PositionsUpdate signals that the venue's position set changed; the
// consumer re-reads the venue's positions rather than trusting a payload.
type PositionsUpdate struct {
	Venue Venue
}

func (u PositionsUpdate) EventVenue() Venue { return u.Venue }
func (u PositionsUpdate) venueEvent()       {}
