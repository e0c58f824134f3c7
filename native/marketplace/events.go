package marketplace

import (
	"strconv"

	"agrichain/core/events"
)

const (
	EventTypeListingCreated = "marketplace.listing.created"
	EventTypeListingSold    = "marketplace.listing.sold"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// listing.
func NewCreatedEvent(l *Listing) events.Event {
	attrs := listingAttributes(l)
	if l != nil {
		attrs["name"] = l.Name
		attrs["quantity"] = strconv.FormatUint(l.Quantity, 10)
		attrs["pricePerUnit"] = amountString(l.PricePerUnit)
		attrs["listedAt"] = strconv.FormatInt(l.ListedAt, 10)
	}
	return events.Event{Type: EventTypeListingCreated, Attributes: attrs}
}

// NewSoldEvent returns the canonical event payload emitted when a listing is
// purchased.
func NewSoldEvent(l *Listing) events.Event {
	attrs := listingAttributes(l)
	if l != nil {
		attrs["buyer"] = CanonicalAddress(l.Buyer)
		attrs["soldAt"] = strconv.FormatInt(l.SoldAt, 10)
	}
	return events.Event{Type: EventTypeListingSold, Attributes: attrs}
}

func listingAttributes(l *Listing) map[string]string {
	attrs := make(map[string]string)
	if l == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(l.ID, 10)
	attrs["farmer"] = CanonicalAddress(l.Farmer)
	attrs["totalPrice"] = amountString(l.TotalPrice)
	return attrs
}
