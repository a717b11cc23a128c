package billing

import (
	"strings"

	"github.com/ManuelReschke/PaySync/app/models"
)

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case models.BillingIntervalDay, models.BillingIntervalWeek, models.BillingIntervalMonth, models.BillingIntervalYear:
		return i
	default:
		return models.BillingIntervalUnknown
	}
}

func normalizeSubscriptionStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case models.BillingStatusIncomplete,
		models.BillingStatusIncompleteExpired,
		models.BillingStatusTrialing,
		models.BillingStatusActive,
		models.BillingStatusPastDue,
		models.BillingStatusCanceled,
		models.BillingStatusUnpaid,
		models.BillingStatusPaused:
		return s
	case "cancelled":
		return models.BillingStatusCanceled
	default:
		return models.BillingStatusIncomplete
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case models.BillingStatusCanceled, models.BillingStatusIncompleteExpired:
		return true
	default:
		return false
	}
}
