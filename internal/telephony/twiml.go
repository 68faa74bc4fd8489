package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RenderTwiML maps a CallInstruction to TwiML.
func RenderTwiML(in CallInstruction) (string, error) {
	var r twimlResponse

	switch in.Action {
	case ActionReject:
		r.Verbs = append(r.Verbs, twimlReject{Reason: "rejected"})
	case ActionSayHangup:
		if strings.TrimSpace(in.Message) != "" {
			r.Verbs = append(r.Verbs, twimlSay{Text: in.Message})
		}
		r.Verbs = append(r.Verbs, twimlHangup{})
	case ActionConnectStream:
		if !strings.HasPrefix(in.StreamURL, "wss://") && !strings.HasPrefix(in.StreamURL, "ws://") {
			return "", errors.New("telephony: websocket stream_url required for connect_stream")
		}
		names := make([]string, 0, len(in.Parameters))
		for k := range in.Parameters {
			names = append(names, k)
		}
		sort.Strings(names)
		s := twimlStream{URL: in.StreamURL}
		for _, n := range names {
			s.Parameters = append(s.Parameters, twimlParameter{Name: n, Value: in.Parameters[n]})
		}
		r.Verbs = append(r.Verbs, twimlConnect{Stream: s})
	default:
		return "", errors.New("telephony: unknown call action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
