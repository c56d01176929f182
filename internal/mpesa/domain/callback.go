package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const callbackDateLayout = "20060102150405"

// STKCallback is the asynchronous result notification posted by the gateway.
type STKCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	Amount             decimal.Decimal
	MpesaReceiptNumber string
	TransactionDate    time.Time
	PhoneNumber        string
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func ParseCallback(payload []byte) (STKCallback, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return STKCallback{}, ErrInvalidCallback
	}
	raw := env.Body.StkCallback
	if raw == nil || strings.TrimSpace(raw.CheckoutRequestID) == "" {
		return STKCallback{}, ErrInvalidCallback
	}

	code, ok := rawInt(raw.ResultCode)
	if !ok {
		return STKCallback{}, ErrInvalidCallback
	}

	cb := STKCallback{
		MerchantRequestID: strings.TrimSpace(raw.MerchantRequestID),
		CheckoutRequestID: strings.TrimSpace(raw.CheckoutRequestID),
		ResultCode:        code,
		ResultDesc:        strings.TrimSpace(raw.ResultDesc),
	}
	if raw.CallbackMetadata == nil {
		return cb, nil
	}

	for _, item := range raw.CallbackMetadata.Item {
		value := rawString(item.Value)
		switch item.Name {
		case "Amount":
			if amount, err := decimal.NewFromString(value); err == nil {
				cb.Amount = amount
			}
		case "MpesaReceiptNumber":
			cb.MpesaReceiptNumber = value
		case "TransactionDate":
			if ts, err := time.ParseInLocation(callbackDateLayout, value, nairobi); err == nil {
				cb.TransactionDate = ts.UTC()
			}
		case "PhoneNumber":
			cb.PhoneNumber = value
		}
	}
	return cb, nil
}

var nairobi = time.FixedZone("EAT", 3*60*60)

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func rawInt(raw json.RawMessage) (int, bool) {
	value := rawString(raw)
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
