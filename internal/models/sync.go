package models

import (
	"fmt"
	"time"
)

// SyncType identifies one of the six recurring background data refreshes.
type SyncType string

const (
	SyncCustomers    SyncType = "customers"
	SyncProducts     SyncType = "products"
	SyncPrices       SyncType = "prices"
	SyncOrders       SyncType = "orders"
	SyncShippingDocs SyncType = "shipping-documents"
	SyncInvoices     SyncType = "invoices"
)

// AllSyncTypes lists every sync type in a stable order.
var AllSyncTypes = []SyncType{
	SyncCustomers,
	SyncProducts,
	SyncPrices,
	SyncOrders,
	SyncShippingDocs,
	SyncInvoices,
}

// ParseSyncType converts a string (e.g. from a URL path) to a SyncType.
func ParseSyncType(s string) (SyncType, error) {
	for _, t := range AllSyncTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown sync type: %q", s)
}

// SyncMode describes how a sync request originated.
type SyncMode string

const (
	// SyncModeScheduled marks requests fired by the recurring per-type timers.
	SyncModeScheduled SyncMode = "scheduled"
	// SyncModeManual marks requests triggered through the API.
	SyncModeManual SyncMode = "manual"
	// SyncModeSmart marks the narrow just-in-time refresh fired when an agent
	// enters order composition. Smart requests are admitted even while
	// foreground mode suppresses the other modes.
	SyncModeSmart SyncMode = "smart"
)

// SyncRequest is a queued or running background sync. At most one SyncRequest
// is running at any instant across the whole system.
type SyncRequest struct {
	Type        SyncType               `json:"type"`
	AgentID     string                 `json:"agent_id"`
	Priority    int                    `json:"priority"`
	Mode        SyncMode               `json:"mode"`
	RequestedAt time.Time              `json:"requested_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// SyncTypeState is the per-type slice of the orchestrator status surface.
type SyncTypeState struct {
	Type         SyncType      `json:"type"`
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration_ms,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastRecords  int           `json:"last_records"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	Queued       bool          `json:"queued"`
}
