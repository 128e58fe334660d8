package domain

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// TagSet is a set of capability tags such as a service or vehicle type.
type TagSet map[string]struct{}

// NewTagSet builds a TagSet ignoring blank values.
func NewTagSet(tags ...string) TagSet {
	set := make(TagSet, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// Contains reports whether every tag in required is present in s.
func (s TagSet) Contains(required TagSet) bool {
	for tag := range required {
		if _, ok := s[tag]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the tags sorted.
func (s TagSet) Slice() []string {
	out := make([]string, 0, len(s))
	for tag := range s {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (s TagSet) Clone() TagSet {
	out := make(TagSet, len(s))
	for tag := range s {
		out[tag] = struct{}{}
	}
	return out
}

func (s TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *TagSet) UnmarshalJSON(b []byte) error {
	var values []string
	if err := json.Unmarshal(b, &values); err != nil {
		return err
	}
	*s = NewTagSet(values...)
	return nil
}

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentReserved  AgentStatus = "reserved"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

type Agent struct {
	ID         string      `json:"id"`
	Position   GeoPoint    `json:"position"`
	ReportedAt time.Time   `json:"reported_at"`
	Status     AgentStatus `json:"status"`
	Tags       TagSet      `json:"tags"`
	OrderID    *uuid.UUID  `json:"order_id,omitempty"`
	Version    int64       `json:"version"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (a Agent) Clone() Agent {
	a.Tags = a.Tags.Clone()
	if a.OrderID != nil {
		id := *a.OrderID
		a.OrderID = &id
	}
	return a
}

type OrderState string

const (
	OrderCreated    OrderState = "created"
	OrderMatched    OrderState = "matched"
	OrderInProgress OrderState = "in_progress"
	OrderCompleted  OrderState = "completed"
	OrderCancelled  OrderState = "cancelled"
)

// OrderStates lists every order state in lifecycle order.
var OrderStates = []OrderState{OrderCreated, OrderMatched, OrderInProgress, OrderCompleted, OrderCancelled}

// OrderStats counts stored orders per state.
type OrderStats struct {
	ByState map[OrderState]int `json:"by_state"`
	Total   int                `json:"total"`
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Active reports whether the order still needs work from the dispatch core.
func (s OrderState) Active() bool {
	return !s.Terminal()
}

type CancelReason string

const (
	CancelByRequester CancelReason = "requester"
	CancelByAdmin     CancelReason = "admin"
	CancelUnfulfilled CancelReason = "unfulfillable"
	CancelExhausted   CancelReason = "exhausted"
)

type Order struct {
	ID           uuid.UUID    `json:"id"`
	RequesterID  string       `json:"requester_id"`
	Pickup       GeoPoint     `json:"pickup"`
	Tags         TagSet       `json:"tags"`
	State        OrderState   `json:"state"`
	AgentID      *string      `json:"agent_id,omitempty"`
	FulfilledBy  string       `json:"fulfilled_by,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	Deadline     *time.Time   `json:"deadline,omitempty"`
	MatchedAt    *time.Time   `json:"matched_at,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	CancelReason CancelReason `json:"cancel_reason,omitempty"`
	Version      int64        `json:"version"`
}

// Expired reports whether the order deadline has elapsed at now.
func (o Order) Expired(now time.Time) bool {
	return o.Deadline != nil && !now.Before(*o.Deadline)
}

func (o Order) Clone() Order {
	o.Tags = o.Tags.Clone()
	o.AgentID = cloneString(o.AgentID)
	o.Deadline = cloneTime(o.Deadline)
	o.MatchedAt = cloneTime(o.MatchedAt)
	o.StartedAt = cloneTime(o.StartedAt)
	o.FinishedAt = cloneTime(o.FinishedAt)
	return o
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleAgent     Role = "agent"
	RoleAdmin     Role = "admin"
)

// Principal is the verified caller identity handed over by the auth boundary.
type Principal struct {
	Subject string
	Role    Role
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
