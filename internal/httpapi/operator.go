package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carecall/internal/recurrence"
	"carecall/internal/reminders"
	"carecall/internal/reporting"
	"carecall/internal/schedules"
	"carecall/pkg/logger"
)

// ScheduleAdmin is the operator surface over schedule rules.
type ScheduleAdmin interface {
	Create(ctx context.Context, r schedules.Rule) (schedules.Rule, error)
	Get(ctx context.Context, id string) (schedules.Rule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// ReminderAdmin is the operator surface over reminders.
type ReminderAdmin interface {
	Create(ctx context.Context, r reminders.Reminder) (reminders.Reminder, error)
	Get(ctx context.Context, id string) (reminders.Reminder, error)
	Skip(ctx context.Context, id string) (reminders.Reminder, error)
	Pause(ctx context.Context, id string) (reminders.Reminder, error)
	Resume(ctx context.Context, id string) (reminders.Reminder, error)
	Snooze(ctx context.Context, id string, opt recurrence.SnoozeOption) (reminders.Reminder, error)
	Cancel(ctx context.Context, id string) (reminders.Reminder, error)
}

type UsageReports interface {
	Usage(ctx context.Context, req reporting.UsageRequest) (reporting.UsageSummary, error)
}

// --- Schedules ---

type createScheduleRequest struct {
	AccountID   string                 `json:"account_id"`
	LineID      string                 `json:"line_id"`
	DaysOfWeek  []time.Weekday         `json:"days_of_week"`
	TimeOfDay   string                 `json:"time_of_day"`
	Timezone    string                 `json:"timezone"`
	Enabled     *bool                  `json:"enabled,omitempty"`
	RetryPolicy *schedules.RetryPolicy `json:"retry_policy,omitempty"`
}

func (h *Handlers) CreateSchedule(c *gin.Context) {
	if h.Schedules == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "schedules not configured"})
		return
	}
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	rule := schedules.Rule{
		AccountID:  req.AccountID,
		LineID:     req.LineID,
		DaysOfWeek: req.DaysOfWeek,
		TimeOfDay:  req.TimeOfDay,
		Timezone:   req.Timezone,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if req.RetryPolicy != nil {
		rule.RetryPolicy = *req.RetryPolicy
	}
	out, err := h.Schedules.Create(c.Request.Context(), rule)
	if err != nil {
		writeAdminError(c, "create schedule", err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handlers) GetSchedule(c *gin.Context) {
	if h.Schedules == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "schedules not configured"})
		return
	}
	out, err := h.Schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAdminError(c, "get schedule", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handlers) SetScheduleEnabled(c *gin.Context) {
	if h.Schedules == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "schedules not configured"})
		return
	}
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "enabled required"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.Schedules.SetEnabled(ctx, id, *req.Enabled); err != nil {
		writeAdminError(c, "set schedule enabled", err)
		return
	}
	out, err := h.Schedules.Get(ctx, id)
	if err != nil {
		writeAdminError(c, "get schedule", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Reminders ---

type createReminderRequest struct {
	AccountID  string           `json:"account_id"`
	LineID     string           `json:"line_id"`
	Message    string           `json:"message"`
	DueAt      time.Time        `json:"due_at"`
	Timezone   string           `json:"timezone"`
	Recurrence *recurrence.Rule `json:"recurrence,omitempty"`
}

func (h *Handlers) CreateReminder(c *gin.Context) {
	if h.Reminders == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reminders not configured"})
		return
	}
	var req createReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	out, err := h.Reminders.Create(c.Request.Context(), reminders.Reminder{
		AccountID:   req.AccountID,
		LineID:      req.LineID,
		Message:     req.Message,
		DueAt:       req.DueAt,
		Timezone:    req.Timezone,
		IsRecurring: req.Recurrence != nil,
		Recurrence:  req.Recurrence,
	})
	if err != nil {
		writeAdminError(c, "create reminder", err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *Handlers) GetReminder(c *gin.Context) {
	if h.Reminders == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reminders not configured"})
		return
	}
	out, err := h.Reminders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAdminError(c, "get reminder", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ReminderAction applies the lifecycle action named by the :action param.
func (h *Handlers) ReminderAction(c *gin.Context) {
	if h.Reminders == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reminders not configured"})
		return
	}
	var fn func(context.Context, string) (reminders.Reminder, error)
	switch c.Param("action") {
	case "skip":
		fn = h.Reminders.Skip
	case "pause":
		fn = h.Reminders.Pause
	case "resume":
		fn = h.Reminders.Resume
	case "cancel":
		fn = h.Reminders.Cancel
	case "snooze":
		h.snoozeReminder(c)
		return
	default:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown action"})
		return
	}
	out, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeAdminError(c, "reminder "+c.Param("action"), err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type snoozeRequest struct {
	Option recurrence.SnoozeOption `json:"option"`
}

func (h *Handlers) snoozeReminder(c *gin.Context) {
	var req snoozeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Option == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "option required"})
		return
	}
	out, err := h.Reminders.Snooze(c.Request.Context(), c.Param("id"), req.Option)
	if err != nil {
		writeAdminError(c, "snooze reminder", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Reporting ---

func (h *Handlers) AccountUsage(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339"})
		return
	}
	out, err := h.Reports.Usage(c.Request.Context(), reporting.UsageRequest{
		AccountID: c.Param("accountID"),
		Range:     reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeAdminError(c, "account usage", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeAdminError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, schedules.ErrNotFound), errors.Is(err, reminders.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, schedules.ErrClaimed), errors.Is(err, reminders.ErrBusy):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "being processed, retry shortly"})
	case errors.Is(err, reminders.ErrSnoozeLimit),
		errors.Is(err, reminders.ErrNotScheduled),
		errors.Is(err, reminders.ErrPaused),
		errors.Is(err, reminders.ErrNotPaused):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, schedules.ErrInvalidArgument),
		errors.Is(err, reminders.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, recurrence.ErrNoDays),
		errors.Is(err, recurrence.ErrInvalidTime),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, recurrence.ErrInvalidSnooze),
		errors.Is(err, recurrence.ErrUnknownLocation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.FromGin(c).Error(op+" failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
