package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"carecall/internal/calls"
	"carecall/internal/telephony"
	"carecall/internal/voice"
	"carecall/pkg/logger"
)

const (
	unavailableMessage = "Sorry, we can't take your call right now. Goodbye."
	troubleMessage     = "Sorry, we are having technical difficulties. Please try again later."
	mediaStreamPath    = "/media-stream"
)

// CallFlow is the call-session surface the webhooks drive.
type CallFlow interface {
	AcceptInbound(ctx context.Context, in telephony.InboundCall) (calls.Session, error)
	HandleStatus(ctx context.Context, ev telephony.StatusEvent) (calls.Session, error)
	Get(ctx context.Context, id string) (calls.Session, error)
}

type StreamTokens interface {
	IssueStreamToken(now time.Time, callSessionID, accountID, lineID string) (string, error)
}

// StreamServer runs a bridged call over an accepted media stream.
type StreamServer interface {
	Serve(ctx context.Context, leg voice.CarrierLeg) error
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return TwiML or JSON.
type Handlers struct {
	Calls  CallFlow
	Tokens StreamTokens
	Bridge StreamServer

	// Operator API; nil members answer 500.
	Schedules ScheduleAdmin
	Reminders ReminderAdmin
	Reports   UsageReports

	// Ping reports backing-store health; nil means always healthy.
	Ping func(ctx context.Context) error

	PublicBaseURL      string
	StreamWriteTimeout time.Duration
	Upgrader           websocket.Upgrader
	Clock              func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock().UTC()
	}
	return time.Now().UTC()
}

func (h *Handlers) Health(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			logger.FromGin(c).Error("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// InboundVoice answers a call placed by a line.
func (h *Handlers) InboundVoice(c *gin.Context) {
	form, err := telephony.ParseTwilioInboundCall(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	log := logger.FromGin(c).With("provider_call_id", form.CallSid)

	s, err := h.Calls.AcceptInbound(c.Request.Context(), form.ToInboundCall(h.now()))
	switch {
	case errors.Is(err, calls.ErrNotEligible):
		log.Info("inbound call not accepted", "reason", err)
		telephony.WriteTwiML(c, telephony.CallInstruction{Action: telephony.ActionSayHangup, Message: unavailableMessage})
		return
	case errors.Is(err, calls.ErrInvalidArgument):
		telephony.WriteTwiML(c, telephony.CallInstruction{Action: telephony.ActionReject})
		return
	case err != nil:
		log.Error("accept inbound call", "err", err)
		telephony.WriteTwiML(c, telephony.CallInstruction{Action: telephony.ActionSayHangup, Message: troubleMessage})
		return
	}
	h.connectStream(c, s)
}

// Answer returns the instructions for an outbound call the callee picked up.
func (h *Handlers) Answer(c *gin.Context) {
	id := c.Param("sessionID")
	s, err := h.Calls.Get(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, calls.ErrNotFound) {
			logger.FromGin(c).Error("load call session", "call_session_id", id, "err", err)
		}
		telephony.WriteTwiML(c, telephony.CallInstruction{Action: telephony.ActionSayHangup, Message: troubleMessage})
		return
	}
	if s.Status.Terminal() {
		telephony.WriteTwiML(c, telephony.CallInstruction{Action: telephony.ActionSayHangup, Message: unavailableMessage})
		return
	}
	h.connectStream(c, s)
}

func (h *Handlers) connectStream(c *gin.Context, s calls.Session) {
	token, err := h.Tokens.IssueStreamToken(h.now(), s.ID, s.AccountID, s.LineID)
	if err != nil {
		logger.FromGin(c).Error("issue stream token", "call_session_id", s.ID, "err", err)
		telephony.WriteTwiML(c, telephony.CallInstruction{Action: telephony.ActionSayHangup, Message: troubleMessage})
		return
	}
	telephony.WriteTwiML(c, telephony.CallInstruction{
		Action:    telephony.ActionConnectStream,
		StreamURL: streamURL(h.PublicBaseURL),
		Parameters: map[string]string{
			telephony.ParamToken:         token,
			telephony.ParamCallSessionID: s.ID,
		},
	})
}

// Status applies a carrier status callback. Unknown calls are acknowledged
// so the carrier stops retrying.
func (h *Handlers) Status(c *gin.Context) {
	form, err := telephony.ParseTwilioStatus(c.Request)
	if err != nil || form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	ev := form.ToStatusEvent(h.now())
	if _, err := h.Calls.HandleStatus(c.Request.Context(), ev); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			logger.FromGin(c).Info("status for unknown call", "provider_call_id", ev.ProviderCallID, "status", ev.Status)
			c.Status(http.StatusNoContent)
			return
		}
		logger.FromGin(c).Error("handle carrier status", "provider_call_id", ev.ProviderCallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status not applied"})
		return
	}
	c.Status(http.StatusNoContent)
}

// MediaStream upgrades the carrier's media websocket and bridges it until
// the call ends. Authentication happens inside the stream via its token.
func (h *Handlers) MediaStream(c *gin.Context) {
	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.FromGin(c).Warn("media stream upgrade failed", "err", err)
		return
	}
	leg := telephony.NewMediaStream(conn, h.StreamWriteTimeout)
	ctx := logger.With(c.Request.Context(), logger.FromGin(c))
	if err := h.Bridge.Serve(ctx, leg); err != nil {
		logger.FromGin(c).Warn("media stream ended with error", "err", err)
	}
}

// streamURL maps the public http(s) origin to its websocket form.
func streamURL(publicBaseURL string) string {
	base := strings.TrimRight(publicBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + mediaStreamPath
}
