package supervisor

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/pkg/logger"
)

// Gin glue. Handlers stay thin: parse the webhook form, delegate, render.

func (s *Supervisor) HandleIncoming(c *gin.Context) {
	form, err := telephony.ParseVoiceForm(c.Request)
	if err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	out, err := s.Incoming(c.Request.Context(), form)
	if err != nil {
		logger.FromGin(c).Error("incoming call failed", "call_id", form.CallSid, "err", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(out))
}

func (s *Supervisor) HandleTurn(c *gin.Context) {
	form, err := telephony.ParseVoiceForm(c.Request)
	if err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	out, err := s.Turn(c.Request.Context(), form)
	if err != nil {
		logger.FromGin(c).Error("turn failed", "call_id", form.CallSid, "err", err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(out))
}

func (s *Supervisor) HandleStatus(c *gin.Context) {
	form, err := telephony.ParseVoiceForm(c.Request)
	if err != nil {
		c.String(http.StatusBadRequest, "bad form")
		return
	}
	s.Status(c.Request.Context(), form)
	c.Status(http.StatusNoContent)
}

// HandleStreamWS upgrades and runs the media-stream connection. The
// request context dies with the socket, so the bridge runs on it directly.
func (s *Supervisor) HandleStreamWS(c *gin.Context) {
	st, err := telephony.Accept(c.Writer, c.Request, 2*time.Second)
	if err != nil {
		logger.FromGin(c).Warn("stream upgrade failed", "err", err)
		return
	}
	s.HandleStream(c.Request.Context(), st)
}
