package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Rider is the identity record returned by the eligibility scan. The primary
// position fields are nil when the tracker has never reported.
type Rider struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	PhotoURL   string     `json:"photo_url,omitempty"`
	BranchID   string     `json:"branch_id,omitempty"`
	Lat        *float64   `json:"lat,omitempty"`
	Lng        *float64   `json:"lng,omitempty"`
	LocationAt *time.Time `json:"location_at,omitempty"`
	Active     bool       `json:"active"`
}

// LocationLog is one row of a rider's location history.
type LocationLog struct {
	RiderID    string    `json:"rider_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Branch struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type PositionSource string

const (
	SourcePrimary  PositionSource = "primary"
	SourceFallback PositionSource = "fallback_log"
	SourceNone     PositionSource = "none"
)

// RiderCandidate is computed per locate call and never persisted.
type RiderCandidate struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Phone         string         `json:"phone"`
	PhotoURL      string         `json:"photo_url,omitempty"`
	Lat           float64        `json:"lat"`
	Lng           float64        `json:"lng"`
	Source        PositionSource `json:"position_source"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
	DistanceKm    float64        `json:"distance_km"`
	ETAMinutes    int            `json:"eta_minutes"`
	Online        bool           `json:"online"`
	TotalStock    int            `json:"total_stock"`
	BranchName    string         `json:"branch_name,omitempty"`
	BranchAddress string         `json:"branch_address,omitempty"`
}

type NegotiationState string

const (
	StatePending   NegotiationState = "pending"
	StateAccepted  NegotiationState = "accepted"
	StateRejected  NegotiationState = "rejected"
	StateTimedOut  NegotiationState = "timed_out"
	StateCancelled NegotiationState = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s NegotiationState) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Negotiation is the dispatch record a requester opens against one rider.
// Its ID doubles as the id of the order the dispatch is attached to.
type Negotiation struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	RiderID     string           `json:"rider_id"`
	State       NegotiationState `json:"state"`
	Reason      string           `json:"reason,omitempty"`
	OpenedAt    time.Time        `json:"opened_at"`
	Deadline    time.Time        `json:"deadline"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// DispatchRequest is what a requester submits after picking a rider from a
// locate result. HoldAmount is in the currency's minor unit; zero skips the
// payment hold.
type DispatchRequest struct {
	RequesterID string `json:"requester_id" validate:"required"`
	RiderID     string `json:"rider_id" validate:"required"`
	HoldAmount  int64  `json:"hold_amount,omitempty" validate:"gte=0"`
	Currency    string `json:"currency,omitempty"`
}

// StatusEvent is the payload carried by the change-notification channel.
type StatusEvent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Outcome is the single terminal result of a negotiation.
type Outcome struct {
	ID         string           `json:"id"`
	RiderID    string           `json:"rider_id"`
	State      NegotiationState `json:"state"`
	Reason     string           `json:"reason,omitempty"`
	Remaining  int              `json:"remaining_seconds"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// DispatchOffer is pushed to the rider surface when a negotiation opens.
type DispatchOffer struct {
	NegotiationID string    `json:"negotiation_id"`
	RequesterID   string    `json:"requester_id"`
	RiderID       string    `json:"rider_id"`
	Deadline      time.Time `json:"deadline"`
}

// LocationUpdate is the tracker message consumed from the location topic.
type LocationUpdate struct {
	RiderID    string    `json:"rider_id" validate:"required"`
	Lat        float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng        float64   `json:"lng" validate:"gte=-180,lte=180"`
	RecordedAt time.Time `json:"recorded_at"`
}
