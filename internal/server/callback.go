package server

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
)

const (
	HeaderCallbackSecret = "X-Callback-Secret"

	maxCallbackBytes = 64 << 10
)

// CallbackSecretRequired checks the shared secret when one is configured.
func (s *Server) CallbackSecretRequired() gin.HandlerFunc {
	secret := strings.TrimSpace(s.cfg.Callback.Secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		given := strings.TrimSpace(c.GetHeader(HeaderCallbackSecret))
		if subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			AbortWithError(c, domain.ErrInvalidCallbackToken)
			return
		}
		c.Next()
	}
}

// HandleMpesaCallback acknowledges every well-formed notification, including
// repeats and ones for payments this instance never initiated, so the gateway
// stops redelivering.
func (s *Server) HandleMpesaCallback(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "payload_too_large", "callback payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.svc.HandleCallback(c.Request.Context(), payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Payment != nil {
		c.Set(ctxPaymentReference, result.Payment.PaymentReference)
	}
	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
		"outcome":    result.Outcome,
	})
}
