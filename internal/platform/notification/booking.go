package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medx360/booking/internal/domain/scheduling"
	"github.com/medx360/booking/internal/platform/db"
)

// BookingNotifier turns scheduler callbacks into queued events.
type BookingNotifier struct {
	dispatcher *Dispatcher
	templates  *TemplateEngine
	logger     zerolog.Logger
	now        func() time.Time
}

var _ scheduling.Notifier = (*BookingNotifier)(nil)

func NewBookingNotifier(dispatcher *Dispatcher, templates *TemplateEngine, logger zerolog.Logger) *BookingNotifier {
	return &BookingNotifier{
		dispatcher: dispatcher,
		templates:  templates,
		logger:     logger,
		now:        time.Now,
	}
}

func (n *BookingNotifier) BookingCreated(ctx context.Context, b *scheduling.Booking) {
	n.emit(ctx, EventBookingCreated, b)
}

func (n *BookingNotifier) BookingStatusChanged(ctx context.Context, b *scheduling.Booking) {
	ev, ok := statusEvents[b.Status]
	if !ok {
		return
	}
	n.emit(ctx, ev, b)
}

var statusEvents = map[scheduling.BookingStatus]EventType{
	scheduling.StatusConfirmed: EventBookingConfirmed,
	scheduling.StatusCancelled: EventBookingCancelled,
	scheduling.StatusCompleted: EventBookingCompleted,
	scheduling.StatusNoShow:    EventBookingNoShow,
}

func (n *BookingNotifier) emit(ctx context.Context, typ EventType, b *scheduling.Booking) {
	ev := Event{
		ID:           uuid.NewString(),
		Type:         typ,
		TenantID:     db.TenantFromContext(ctx),
		BookingID:    b.ID.String(),
		DoctorID:     b.DoctorID.String(),
		PatientName:  b.Patient.Name,
		PatientEmail: b.Patient.Email,
		PatientPhone: b.Patient.Phone,
		Date:         b.Date,
		StartTime:    b.StartTime.String(),
		EndTime:      b.EndTime.String(),
		Status:       string(b.Status),
		OccurredAt:   n.now().UTC(),
	}
	subject, body, err := n.templates.Render(typ, ev.templateData())
	if err != nil {
		n.logger.Warn().Err(err).Str("event", string(typ)).Msg("render notification")
	}
	ev.Subject, ev.Body = subject, body
	n.dispatcher.Enqueue(ev)
}
