package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ManuelReschke/PaySync/internal/pkg/billing"
)

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, billing.Stats{
		SubscriptionsByStatus: map[string]int64{"past_due": 2, "active": 5},
		OpenDisputes:          1,
		FailingInvoices:       3,
	}, map[string]map[string]int64{
		"invoice.paid": {"processed": 4, "duplicate": 1},
	})

	out := buf.String()
	assert.Contains(t, out, "Open disputes:    1")
	assert.Contains(t, out, "Failing invoices: 3")
	assert.Contains(t, out, "duplicate=1 processed=4")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("active")), bytes.Index(buf.Bytes(), []byte("past_due")))
}

func TestPrintStats_NoEvents(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, billing.Stats{}, nil)
	assert.NotContains(t, buf.String(), "Events:")
}

func TestRefundCmd_RejectsBadAmount(t *testing.T) {
	cmd := refundCmd()
	cmd.SetArgs([]string{"pi_1", "twelve"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "invalid amount")
}

func TestRefundCmd_RequiresTwoArgs(t *testing.T) {
	cmd := refundCmd()
	cmd.SetArgs([]string{"pi_1"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
