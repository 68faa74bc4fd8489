package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecall/internal/auth"
	"carecall/internal/calls"
	"carecall/internal/config"
	"carecall/internal/telephony"
	"carecall/internal/voice"
)

type fakeFlow struct {
	mu        sync.Mutex
	sessions  map[string]calls.Session
	acceptErr error
	statusErr error
	statuses  []telephony.StatusEvent
}

func (f *fakeFlow) AcceptInbound(_ context.Context, in telephony.InboundCall) (calls.Session, error) {
	if f.acceptErr != nil {
		return calls.Session{}, f.acceptErr
	}
	return calls.Session{ID: "cs_in", AccountID: "acc_1", LineID: "line_1", ProviderCallID: in.ProviderCallID, Status: calls.StatusRinging}, nil
}

func (f *fakeFlow) HandleStatus(_ context.Context, ev telephony.StatusEvent) (calls.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, ev)
	return calls.Session{}, f.statusErr
}

func (f *fakeFlow) Get(_ context.Context, id string) (calls.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return calls.Session{}, calls.ErrNotFound
	}
	return s, nil
}

type fakeBridge struct {
	got chan voice.CarrierEvent
}

func (b *fakeBridge) Serve(ctx context.Context, leg voice.CarrierLeg) error {
	defer leg.Close()
	ev, err := leg.Recv(ctx)
	if err != nil {
		return err
	}
	b.got <- ev
	return nil
}

type apiFixture struct {
	engine *gin.Engine
	flow   *fakeFlow
	bridge *fakeBridge
	tokens *auth.Manager
}

func newAPIFixture(t *testing.T, authToken string) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := auth.NewManager(config.StreamConfig{TokenSecret: "s3cret", Issuer: "carecall", Audience: "media-stream", TokenTTL: time.Minute})
	require.NoError(t, err)

	f := &apiFixture{
		flow: &fakeFlow{sessions: map[string]calls.Session{
			"cs_out":  {ID: "cs_out", AccountID: "acc_1", LineID: "line_1", Status: calls.StatusRinging},
			"cs_done": {ID: "cs_done", Status: calls.StatusCompleted},
		}},
		bridge: &fakeBridge{got: make(chan voice.CarrierEvent, 1)},
		tokens: tokens,
	}
	h := &Handlers{
		Calls:         f.flow,
		Tokens:        tokens,
		Bridge:        f.bridge,
		PublicBaseURL: "https://calls.example.test",
	}
	f.engine = gin.New()
	Register(f.engine, h, telephony.SignatureMiddleware(authToken, "https://calls.example.test"))
	return f
}

func postForm(engine http.Handler, path string, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, "")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h := &Handlers{Ping: func(context.Context) error { return errors.New("db down") }}
	r := gin.New()
	r.GET("/healthz", h.Health)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestInboundVoice_ConnectsStream(t *testing.T) {
	f := newAPIFixture(t, "")
	w := postForm(f.engine, "/webhooks/carrier/voice", url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}, "To": {"+15559990000"}}, "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `<Stream url="wss://calls.example.test/media-stream">`)
	assert.Contains(t, body, `name="call_session_id" value="cs_in"`)

	start := strings.Index(body, `name="token" value="`) + len(`name="token" value="`)
	end := strings.Index(body[start:], `"`)
	claims, err := f.tokens.VerifyStreamToken(body[start:start+end], time.Now())
	require.NoError(t, err)
	assert.Equal(t, "cs_in", claims.CallSessionID)
}

func TestInboundVoice_NotEligibleSaysGoodbye(t *testing.T) {
	f := newAPIFixture(t, "")
	f.flow.acceptErr = calls.ErrNotEligible
	w := postForm(f.engine, "/webhooks/carrier/voice", url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Say>")
	assert.Contains(t, w.Body.String(), "<Hangup>")
	assert.NotContains(t, w.Body.String(), "<Stream")
}

func TestAnswer(t *testing.T) {
	f := newAPIFixture(t, "")

	w := postForm(f.engine, "/webhooks/carrier/answer/cs_out", url.Values{"CallSid": {"CA2"}}, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `value="cs_out"`)

	w = postForm(f.engine, "/webhooks/carrier/answer/cs_done", url.Values{"CallSid": {"CA2"}}, "")
	assert.Contains(t, w.Body.String(), "<Hangup>")
	assert.NotContains(t, w.Body.String(), "<Stream")

	w = postForm(f.engine, "/webhooks/carrier/answer/missing", url.Values{"CallSid": {"CA2"}}, "")
	assert.Contains(t, w.Body.String(), "<Hangup>")
}

func TestStatus(t *testing.T) {
	f := newAPIFixture(t, "")

	w := postForm(f.engine, "/webhooks/carrier/status", url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"65"}}, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, f.flow.statuses, 1)
	assert.Equal(t, telephony.StatusCompleted, f.flow.statuses[0].Status)
	assert.Equal(t, 65, f.flow.statuses[0].DurationSeconds)

	f.flow.statusErr = calls.ErrNotFound
	w = postForm(f.engine, "/webhooks/carrier/status", url.Values{"CallSid": {"CA9"}, "CallStatus": {"ringing"}}, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	f.flow.statusErr = errors.New("db down")
	w = postForm(f.engine, "/webhooks/carrier/status", url.Values{"CallSid": {"CA9"}, "CallStatus": {"ringing"}}, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = postForm(f.engine, "/webhooks/carrier/status", url.Values{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhooksRequireSignatureWhenConfigured(t *testing.T) {
	f := newAPIFixture(t, "authtoken")
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}

	w := postForm(f.engine, "/webhooks/carrier/status", form, "bogus")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, f.flow.statuses)

	sig := telephony.ComputeSignature("authtoken", "https://calls.example.test/webhooks/carrier/status", form)
	w = postForm(f.engine, "/webhooks/carrier/status", form, sig)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, f.flow.statuses, 1)
}

func TestMediaStream_HandsLegToBridge(t *testing.T) {
	f := newAPIFixture(t, "authtoken")
	srv := httptest.NewServer(f.engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"customParameters": map[string]string{"token": "tok", "call_session_id": "cs_out"},
		},
	}))

	select {
	case ev := <-f.bridge.got:
		assert.Equal(t, voice.CarrierStart, ev.Type)
		assert.Equal(t, "MZ1", ev.StreamID)
		assert.Equal(t, "cs_out", ev.CallSessionID)
		assert.Equal(t, "tok", ev.Token)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never received the start event")
	}
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "wss://a.test/media-stream", streamURL("https://a.test/"))
	assert.Equal(t, "ws://localhost:8080/media-stream", streamURL("http://localhost:8080"))
}
