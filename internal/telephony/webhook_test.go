package telephony

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func postForm(t *testing.T, path string, form url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseVoiceForm(t *testing.T) {
	form := url.Values{
		"CallSid":      {"CA123"},
		"From":         {"+15551234567"},
		"To":           {"+15557654321"},
		"CallStatus":   {"in-progress"},
		"SpeechResult": {" tomorrow morning "},
		"Confidence":   {"0.82"},
		"CallDuration": {"73"},
	}
	f, err := ParseVoiceForm(postForm(t, "/voice/turn", form))
	if err != nil {
		t.Fatal(err)
	}
	if f.CallSid != "CA123" || f.From != "+15551234567" || f.To != "+15557654321" {
		t.Fatalf("identifiers wrong: %+v", f)
	}
	if f.SpeechResult != "tomorrow morning" {
		t.Fatalf("speech result not trimmed: %q", f.SpeechResult)
	}
	if f.Confidence != 0.82 || f.CallDuration != 73 {
		t.Fatalf("numeric fields wrong: %+v", f)
	}
}

func TestVoiceForm_Anonymous(t *testing.T) {
	cases := []struct {
		from string
		want bool
	}{
		{"+15551234567", false},
		{"anonymous", true},
		{"Unknown", true},
		{"", true},
	}
	for _, tc := range cases {
		if got := (VoiceForm{From: tc.from}).Anonymous(); got != tc.want {
			t.Errorf("Anonymous(%q) = %v, want %v", tc.from, got, tc.want)
		}
	}
}

func TestSignatureMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	const token = "secret-token"
	const host = "voice.example.com"

	router := gin.New()
	router.POST("/voice/incoming", SignatureMiddleware(token, host), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}

	t.Run("valid", func(t *testing.T) {
		r := postForm(t, "/voice/incoming", form)
		r.Header.Set("X-Twilio-Signature",
			ComputeSignature(token, "https://"+host+"/voice/incoming", form))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("valid signature rejected: %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("tampered", func(t *testing.T) {
		bad := url.Values{"CallSid": {"CA1"}, "From": {"+19990001111"}}
		r := postForm(t, "/voice/incoming", bad)
		r.Header.Set("X-Twilio-Signature",
			ComputeSignature(token, "https://"+host+"/voice/incoming", form))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusForbidden {
			t.Fatalf("tampered form accepted: %d", w.Code)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		r := postForm(t, "/voice/incoming", form)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusForbidden {
			t.Fatalf("unsigned request accepted: %d", w.Code)
		}
	})

	t.Run("disabled without token", func(t *testing.T) {
		open := gin.New()
		open.POST("/voice/incoming", SignatureMiddleware("", host), func(c *gin.Context) {
			c.String(http.StatusOK, "ok")
		})
		r := postForm(t, "/voice/incoming", form)
		w := httptest.NewRecorder()
		open.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("validation should be disabled: %d", w.Code)
		}
	})
}
