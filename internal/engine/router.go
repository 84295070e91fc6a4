package engine

import (
	"github.com/zeebo/xxh3"

	"github.com/stripedb/stripedb/internal/model"
)

// Router maps a key to one of a fixed number of stripes. The stripe count
// is fixed for the life of the database, so a key always routes to the same
// stripe.
type Router struct {
	stripeCount uint32
}

// NewRouter creates a router over stripeCount stripes.
func NewRouter(stripeCount int) *Router {
	return &Router{stripeCount: uint32(stripeCount)}
}

// Route returns the stripe owning key.
func (r *Router) Route(key []byte) model.StripeID {
	return model.StripeID(xxh3.Hash(key) % uint64(r.stripeCount))
}
