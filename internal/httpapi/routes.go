package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carecall/internal/rbac"
)

// Register wires the public routes. signature guards the carrier webhooks.
func Register(r gin.IRouter, h *Handlers, signature gin.HandlerFunc) {
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := r.Group("/webhooks/carrier")
	if signature != nil {
		hooks.Use(signature)
	}
	{
		hooks.POST("/voice", h.InboundVoice)
		hooks.POST("/answer/:sessionID", h.Answer)
		hooks.POST("/status", h.Status)
	}

	r.GET(mediaStreamPath, h.MediaStream)
}

// RegisterOperator wires the staff API under /v1. requireRole builds the
// authorization middleware for the listed roles.
func RegisterOperator(r gin.IRouter, h *Handlers, requireRole func(roles ...string) gin.HandlerFunc) {
	v1 := r.Group("/v1")
	{
		support := v1.Group("", requireRole(rbac.RoleSupport))
		support.POST("/schedules", h.CreateSchedule)
		support.GET("/schedules/:id", h.GetSchedule)
		support.PUT("/schedules/:id/enabled", h.SetScheduleEnabled)
		support.POST("/reminders", h.CreateReminder)
		support.GET("/reminders/:id", h.GetReminder)
		support.POST("/reminders/:id/:action", h.ReminderAction)
	}
	v1.GET("/accounts/:accountID/usage", requireRole(rbac.RoleSupport, rbac.RoleFinance), h.AccountUsage)
}
