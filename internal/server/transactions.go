package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/stkpay/internal/mpesa/domain"
	"github.com/smallbiznis/stkpay/pkg/db/pagination"
)

func (s *Server) ListTransactions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		StartDate       string `form:"start_date"`
		EndDate         string `form:"end_date"`
		PhoneNumber     string `form:"phone_number"`
		ReceiptNumber   string `form:"receipt_number"`
		Status          string `form:"status"`
		TransactionType string `form:"transaction_type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startDate, err := parseOptionalTime(query.StartDate, false)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "invalid start_date"))
		return
	}
	endDate, err := parseOptionalTime(query.EndDate, true)
	if err != nil {
		AbortWithError(c, newValidationError("end_date", "invalid_end_date", "invalid end_date"))
		return
	}

	page := query.Pagination.Normalize()
	resp, err := s.svc.Transactions(c.Request.Context(), domain.TransactionParams{
		StartDate:       startDate,
		EndDate:         endDate,
		PhoneNumber:     strings.TrimSpace(query.PhoneNumber),
		ReceiptNumber:   query.ReceiptNumber,
		Status:          domain.TransactionStatus(strings.TrimSpace(query.Status)),
		TransactionType: query.TransactionType,
		Page:            page.Page,
		PageSize:        page.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp.Next, resp.Previous = pagination.Links(c.Request.URL, query.Pagination, resp.Count)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type reverseTransactionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ReverseTransaction(c *gin.Context) {
	var req reverseTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.svc.ReverseTransaction(c.Request.Context(), c.Param("receipt_number"), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(ctxPaymentReference, resp.PaymentReference)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
