// Package notification publishes booking events after they commit. Delivery
// is fire-and-forget: failures are logged and counted, never returned to the
// booking flow.
package notification

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType names a booking event on the wire.
type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingConfirmed EventType = "booking.confirmed"
	EventBookingCancelled EventType = "booking.cancelled"
	EventBookingCompleted EventType = "booking.completed"
	EventBookingNoShow    EventType = "booking.no_show"
)

// Event is one published booking notification.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	TenantID     string    `json:"tenant_id,omitempty"`
	BookingID    string    `json:"booking_id"`
	DoctorID     string    `json:"doctor_id"`
	PatientName  string    `json:"patient_name"`
	PatientEmail string    `json:"patient_email,omitempty"`
	PatientPhone string    `json:"patient_phone,omitempty"`
	Date         string    `json:"date"`
	StartTime    string    `json:"start_time"`
	EndTime      string    `json:"end_time"`
	Status       string    `json:"status"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Template defines the human-readable text for one event type.
type Template struct {
	Event   EventType
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders in event templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[EventType]*Template
}

// NewTemplateEngine creates a TemplateEngine with the booking templates
// registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[EventType]*Template)}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
	return e
}

var builtIn = []Template{
	{
		Event:   EventBookingCreated,
		Subject: "Appointment requested for {{date}} at {{start_time}}",
		Body:    "Dear {{patient_name}}, your appointment on {{date}} from {{start_time}} to {{end_time}} is reserved and awaiting confirmation.",
	},
	{
		Event:   EventBookingConfirmed,
		Subject: "Appointment confirmed for {{date}} at {{start_time}}",
		Body:    "Dear {{patient_name}}, your appointment on {{date}} at {{start_time}} is confirmed.",
	},
	{
		Event:   EventBookingCancelled,
		Subject: "Appointment on {{date}} cancelled",
		Body:    "Dear {{patient_name}}, your appointment on {{date}} at {{start_time}} has been cancelled.",
	},
	{
		Event:   EventBookingCompleted,
		Subject: "Thank you for your visit",
		Body:    "Dear {{patient_name}}, thank you for attending your appointment on {{date}}.",
	},
	{
		Event:   EventBookingNoShow,
		Subject: "Missed appointment on {{date}}",
		Body:    "Dear {{patient_name}}, we missed you at your appointment on {{date}} at {{start_time}}. Please book a new time.",
	},
}

// RegisterTemplate adds or replaces the template for t.Event.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Event] = &t
}

// Render fills the template for event with data. Placeholders without a
// value are left as-is.
func (e *TemplateEngine) Render(event EventType, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[event]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template for %q not found", event)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// templateData exposes event fields to templates.
func (ev *Event) templateData() map[string]string {
	return map[string]string{
		"patient_name": ev.PatientName,
		"date":         ev.Date,
		"start_time":   ev.StartTime,
		"end_time":     ev.EndTime,
		"status":       ev.Status,
	}
}
