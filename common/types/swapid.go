package types

import "github.com/google/uuid"

// SwapID is the opaque identifier generated by the buyer and shared with the
// seller during swap setup, per spec.md §3.
type SwapID = uuid.UUID

// NewSwapID generates a new random swap identifier.
func NewSwapID() SwapID {
	return uuid.New()
}
