package model

import "time"

// EventType names what happened. It is also the last token of the NATS
// subject an event is published on.
type EventType string

const (
	AlertRouted            EventType = "alert.routed"
	EventAlertAcknowledged EventType = "alert.acknowledged"
	EventAlertResolved     EventType = "alert.resolved"
	DeliveryDelivered      EventType = "delivery.delivered"
	DeliveryDeadLettered   EventType = "delivery.dead_lettered"
	DeliveryStale          EventType = "delivery.stale"
)

// Event is published on the event bus for asynchronous consumers.
type Event struct {
	Type         EventType     `json:"type"`
	At           time.Time     `json:"at"`
	Alert        *Alert        `json:"alert,omitempty"`
	Item         *DeliveryItem `json:"item,omitempty"`
	Destinations []string      `json:"destinations,omitempty"`
}
