package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"carecall/pkg/utils"
)

// TwilioCarrier talks to the Twilio REST API with form posts and basic auth.
type TwilioCarrier struct {
	baseURL    string
	accountSID string
	authToken  string
	client     *http.Client
}

func NewTwilioCarrier(baseURL, accountSID, authToken string, timeout time.Duration) *TwilioCarrier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TwilioCarrier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		client:     &http.Client{Timeout: timeout},
	}
}

type twilioCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *TwilioCarrier) PlaceOutboundCall(ctx context.Context, req OutboundCallRequest) (OutboundCallResult, error) {
	if c == nil || c.accountSID == "" {
		return OutboundCallResult{}, ErrNotConfigured
	}
	if req.To == "" || req.From == "" || req.AnswerURL == "" {
		return OutboundCallResult{}, ErrInvalidArgument
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", http.MethodPost)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout/time.Second)))
	}

	var call twilioCall
	if err := c.post(ctx, "/Calls.json", form, &call); err != nil {
		return OutboundCallResult{}, err
	}
	if call.SID == "" {
		return OutboundCallResult{}, utils.Permanent(fmt.Errorf("telephony: missing call sid in response"))
	}
	return OutboundCallResult{ProviderCallID: call.SID, Status: call.Status}, nil
}

func (c *TwilioCarrier) Announce(ctx context.Context, providerCallID, message string) error {
	if c == nil || c.accountSID == "" {
		return ErrNotConfigured
	}
	if providerCallID == "" {
		return ErrInvalidArgument
	}
	twiml, err := RenderTwiML(CallInstruction{Action: ActionSayHangup, Message: message})
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("Twiml", twiml)
	return c.post(ctx, "/Calls/"+url.PathEscape(providerCallID)+".json", form, nil)
}

func (c *TwilioCarrier) Hangup(ctx context.Context, providerCallID string) error {
	if c == nil || c.accountSID == "" {
		return ErrNotConfigured
	}
	if providerCallID == "" {
		return ErrInvalidArgument
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return c.post(ctx, "/Calls/"+url.PathEscape(providerCallID)+".json", form, nil)
}

// post returns a utils.Permanent error for 4xx responses so callers do not retry them.
func (c *TwilioCarrier) post(ctx context.Context, path string, form url.Values, out any) error {
	endpoint := c.baseURL + "/2010-04-01/Accounts/" + url.PathEscape(c.accountSID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return utils.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		var te twilioError
		_ = json.Unmarshal(body, &te)
		err := fmt.Errorf("telephony: twilio status %d code=%d: %s", resp.StatusCode, te.Code, te.Message)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return utils.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return utils.Permanent(fmt.Errorf("telephony: failed to decode json: %w", err))
	}
	return nil
}
