package models

import (
	"fmt"
	"sort"
)

// EventType is the closed set of user actions that update a taste profile.
type EventType string

const (
	EventSearch          EventType = "search"
	EventProductView     EventType = "product_view"
	EventProductClick    EventType = "product_click"
	EventProductPurchase EventType = "product_purchase"
)

type eventSpec struct {
	weight               float64
	requiresSearchPhrase bool
	requiresProductID    bool
}

// eventTable is the single source of weights and per-type field requirements.
var eventTable = map[EventType]eventSpec{
	EventSearch:          {weight: 0.1, requiresSearchPhrase: true},
	EventProductView:     {weight: 0.3, requiresProductID: true},
	EventProductClick:    {weight: 0.5, requiresProductID: true},
	EventProductPurchase: {weight: 1.0, requiresProductID: true},
}

// ParseEventType returns the EventType for s or an error for unknown values.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if _, ok := eventTable[t]; !ok {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := eventTable[t]
	return ok
}

// Weight is the relative importance of the event when blended into a profile.
func (t EventType) Weight() float64 {
	return eventTable[t].weight
}

func (t EventType) RequiresSearchPhrase() bool {
	return eventTable[t].requiresSearchPhrase
}

func (t EventType) RequiresProductID() bool {
	return eventTable[t].requiresProductID
}

func (t EventType) String() string {
	return string(t)
}

// EventTypes lists the known event types in stable order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTable))
	for t := range eventTable {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateWeights fails when a weight could make a blend's total weight zero or non-finite.
func ValidateWeights() error {
	for _, t := range EventTypes() {
		w := t.Weight()
		if !(w > 0) || w > 1e6 {
			return fmt.Errorf("event type %s has unusable weight %v", t, w)
		}
	}
	return nil
}
