// Package telephony is the Twilio adapter boundary: TwiML rendering,
// webhook form parsing, request signature validation, and the Media
// Streams websocket peer. No business logic lives here.
package telephony

import (
	"bytes"
	"encoding/xml"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency; only the verbs
// this application emits are modeled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr,omitempty"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr,omitempty"`
	NumDigits     int      `xml:"numDigits,attr,omitempty"`
	Hints         string   `xml:"hints,attr,omitempty"`
	Say           *twimlSay `xml:"Say,omitempty"`
}

type twimlConnect struct {
	XMLName xml.Name     `xml:"Connect"`
	Stream  *twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string       `xml:"url,attr"`
	Parameters []twimlParam `xml:"Parameter,omitempty"`
}

type twimlParam struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:"Number,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// TwiML accumulates verbs and renders the XML document.
type TwiML struct {
	resp twimlResponse
	// Voice applies to every Say verb; empty uses Twilio's default.
	Voice string
}

func NewTwiML() *TwiML { return &TwiML{} }

func (t *TwiML) Say(text string) *TwiML {
	t.resp.Verbs = append(t.resp.Verbs, twimlSay{Voice: t.Voice, Text: text})
	return t
}

// GatherSpeech prompts and collects a spoken answer posted to action.
func (t *TwiML) GatherSpeech(prompt, action, hints string) *TwiML {
	g := twimlGather{
		Input:         "speech dtmf",
		Action:        action,
		Method:        "POST",
		SpeechTimeout: "auto",
		Timeout:       6,
		Hints:         hints,
	}
	if prompt != "" {
		g.Say = &twimlSay{Voice: t.Voice, Text: prompt}
	}
	t.resp.Verbs = append(t.resp.Verbs, g)
	return t
}

// GatherDigits prompts for a fixed number of keypad digits.
func (t *TwiML) GatherDigits(prompt, action string, numDigits int) *TwiML {
	g := twimlGather{
		Input:     "dtmf",
		Action:    action,
		Method:    "POST",
		Timeout:   6,
		NumDigits: numDigits,
	}
	if prompt != "" {
		g.Say = &twimlSay{Voice: t.Voice, Text: prompt}
	}
	t.resp.Verbs = append(t.resp.Verbs, g)
	return t
}

// ConnectStream hands the call to the bidirectional media stream at url.
// Parameters surface in the stream's start event as custom parameters.
func (t *TwiML) ConnectStream(url string, params map[string]string) *TwiML {
	s := &twimlStream{URL: url}
	for k, v := range params {
		s.Parameters = append(s.Parameters, twimlParam{Name: k, Value: v})
	}
	t.resp.Verbs = append(t.resp.Verbs, twimlConnect{Stream: s})
	return t
}

func (t *TwiML) Dial(number string) *TwiML {
	t.resp.Verbs = append(t.resp.Verbs, twimlDial{Number: number})
	return t
}

func (t *TwiML) Hangup() *TwiML {
	t.resp.Verbs = append(t.resp.Verbs, twimlHangup{})
	return t
}

func (t *TwiML) Reject(reason string) *TwiML {
	t.resp.Verbs = append(t.resp.Verbs, twimlReject{Reason: reason})
	return t
}

func (t *TwiML) Redirect(url string) *TwiML {
	t.resp.Verbs = append(t.resp.Verbs, twimlRedirect{Method: "POST", URL: url})
	return t
}

func (t *TwiML) Pause(seconds int) *TwiML {
	t.resp.Verbs = append(t.resp.Verbs, twimlPause{Length: seconds})
	return t
}

// Render produces the XML document.
func (t *TwiML) Render() (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(t.resp); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
