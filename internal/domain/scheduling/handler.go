package scheduling

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medx360/booking/internal/platform/auth"
	"github.com/medx360/booking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – any authenticated clinic user or patient
	readGroup := api.Group("", auth.RequireRole("admin", "staff", "doctor", "patient"))
	readGroup.GET("/doctors/:doctor_id/weekly-rules", h.ListWeeklyRules)
	readGroup.GET("/doctors/:doctor_id/exceptions", h.ListExceptions)
	readGroup.GET("/doctors/:doctor_id/availability", h.GetAvailability)
	readGroup.GET("/bookings/:id", h.GetBooking)

	// Booking endpoints – patients book and cancel their own appointments
	// (ownership is checked in the handlers)
	bookGroup := api.Group("", auth.RequireRole("admin", "staff", "patient"))
	bookGroup.POST("/bookings", h.CreateBooking)
	bookGroup.POST("/bookings/:id/cancel", h.CancelBooking)

	// Admin endpoints – clinic staff manage schedules and booking lifecycle
	adminGroup := api.Group("", auth.RequireRole("admin", "staff"))
	adminGroup.POST("/doctors/:doctor_id/weekly-rules", h.SaveWeeklyRule)
	adminGroup.DELETE("/weekly-rules/:id", h.DeleteWeeklyRule)
	adminGroup.POST("/doctors/:doctor_id/exceptions", h.SaveException)
	adminGroup.DELETE("/exceptions/:id", h.DeleteException)
	adminGroup.GET("/bookings", h.ListBookings)
	adminGroup.POST("/bookings/:id/confirm", h.ConfirmBooking)
	adminGroup.PUT("/bookings/:id/status", h.UpdateBookingStatus)
}

// httpError maps the domain error taxonomy onto HTTP responses.
func httpError(err error) error {
	var verr *ValidationError
	var serr *SlotUnavailableError
	var terr *InvalidTransitionError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, echo.Map{
			"message": "validation failed",
			"fields":  verr.Fields,
		})
	case errors.As(err, &serr):
		return echo.NewHTTPError(http.StatusConflict, echo.Map{
			"message": serr.Error(),
			"reason":  serr.Reason,
		})
	case errors.As(err, &terr):
		return echo.NewHTTPError(http.StatusConflict, terr.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrStorageTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable, retry later")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

// patientOnly reports whether the caller is restricted to bookings they made.
func patientOnly(c echo.Context) bool {
	roles := auth.RolesFromContext(c.Request().Context())
	return auth.HasRole(roles, "patient") && !auth.HasRole(roles, "staff", "doctor")
}

// ownedBooking loads a booking the caller may act on. Another patient's
// booking is reported as not found.
func (h *Handler) ownedBooking(c echo.Context, id uuid.UUID) (*Booking, error) {
	b, err := h.svc.GetBooking(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if patientOnly(c) {
		uid := auth.UserIDFromContext(c.Request().Context())
		if uid == "" || b.CreatedBy != uid {
			return nil, echo.NewHTTPError(http.StatusNotFound, "not found")
		}
	}
	return b, nil
}

func parseIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// rangeFromQuery reads ?date= or ?from=&to=. A lone from is a single day.
func rangeFromQuery(c echo.Context) (DateRange, error) {
	if d := c.QueryParam("date"); d != "" {
		return SingleDay(d), nil
	}
	from, to := c.QueryParam("from"), c.QueryParam("to")
	if from == "" {
		return DateRange{}, echo.NewHTTPError(http.StatusBadRequest, "date or from is required")
	}
	if to == "" {
		to = from
	}
	return DateRange{From: from, To: to}, nil
}

// -- Weekly rule handlers --

func (h *Handler) SaveWeeklyRule(c echo.Context) error {
	doctorID, err := parseIDParam(c, "doctor_id")
	if err != nil {
		return err
	}
	var rule WeeklyRule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule.DoctorID = doctorID
	created := rule.ID == uuid.Nil
	if err := h.svc.SaveWeeklyRule(c.Request().Context(), &rule); err != nil {
		return httpError(err)
	}
	if created {
		return c.JSON(http.StatusCreated, rule)
	}
	return c.JSON(http.StatusOK, rule)
}

func (h *Handler) ListWeeklyRules(c echo.Context) error {
	doctorID, err := parseIDParam(c, "doctor_id")
	if err != nil {
		return err
	}
	rules, err := h.svc.ListWeeklyRules(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	if rules == nil {
		rules = []*WeeklyRule{}
	}
	return c.JSON(http.StatusOK, rules)
}

func (h *Handler) DeleteWeeklyRule(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteWeeklyRule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Exception handlers --

func (h *Handler) SaveException(c echo.Context) error {
	doctorID, err := parseIDParam(c, "doctor_id")
	if err != nil {
		return err
	}
	var exc AvailabilityException
	if err := c.Bind(&exc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	exc.DoctorID = doctorID
	created := exc.ID == uuid.Nil
	if err := h.svc.SaveException(c.Request().Context(), &exc); err != nil {
		return httpError(err)
	}
	if created {
		return c.JSON(http.StatusCreated, exc)
	}
	return c.JSON(http.StatusOK, exc)
}

func (h *Handler) ListExceptions(c echo.Context) error {
	doctorID, err := parseIDParam(c, "doctor_id")
	if err != nil {
		return err
	}
	rng, err := rangeFromQuery(c)
	if err != nil {
		return err
	}
	excs, err := h.svc.ListExceptions(c.Request().Context(), doctorID, rng)
	if err != nil {
		return httpError(err)
	}
	if excs == nil {
		excs = []*AvailabilityException{}
	}
	return c.JSON(http.StatusOK, excs)
}

func (h *Handler) DeleteException(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteException(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Availability --

type availabilityResponse struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Duration int       `json:"duration_minutes,omitempty"`
	Slots    []Slot    `json:"slots"`
}

func (h *Handler) GetAvailability(c echo.Context) error {
	doctorID, err := parseIDParam(c, "doctor_id")
	if err != nil {
		return err
	}
	rng, err := rangeFromQuery(c)
	if err != nil {
		return err
	}
	duration := 0
	if v := c.QueryParam("duration"); v != "" {
		duration, err = strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid duration")
		}
	}
	slots, err := h.svc.Availability(c.Request().Context(), doctorID, rng, duration)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, availabilityResponse{
		DoctorID: doctorID,
		From:     rng.From,
		To:       rng.To,
		Duration: duration,
		Slots:    slots,
	})
}

// -- Booking handlers --

func (h *Handler) CreateBooking(c echo.Context) error {
	var req BookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	b, err := h.svc.BookSlot(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.ownedBooking(c, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f BookingFilter
	if v := c.QueryParam("doctor_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		f.DoctorID = &id
	}
	if c.QueryParam("date") != "" || c.QueryParam("from") != "" {
		rng, err := rangeFromQuery(c)
		if err != nil {
			return err
		}
		f.Range = &rng
	}
	if v := c.QueryParam("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, BookingStatus(strings.TrimSpace(s)))
		}
	}
	items, total, err := h.svc.ListBookings(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CancelBooking(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	if _, err := h.ownedBooking(c, id); err != nil {
		return err
	}
	b, err := h.svc.CancelBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ConfirmBooking(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.ConfirmBooking(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type statusRequest struct {
	Status BookingStatus `json:"status"`
}

func (h *Handler) UpdateBookingStatus(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.UpdateBookingStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}
