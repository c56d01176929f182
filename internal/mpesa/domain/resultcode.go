package domain

import "strings"

const (
	ResultCodeSuccess       = 0
	ResultCodeUserCancelled = 1032
)

var resultCodeStatus = map[int]PaymentStatus{
	ResultCodeSuccess:       PaymentStatusSuccessful,
	ResultCodeUserCancelled: PaymentStatusCancelled,
}

// StatusForResultCode maps a gateway result code onto a terminal status.
// Codes outside the table are failures.
func StatusForResultCode(code int) PaymentStatus {
	if status, ok := resultCodeStatus[code]; ok {
		return status
	}
	return PaymentStatusFailed
}

func normalizeEnum(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func normalizeLower(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
