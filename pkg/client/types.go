package client

import "github.com/agentgrid/a2ahub/internal/types"

// Aliases re-export the shared wire types so agent implementations only
// import this package.
type (
	Message      = types.Message
	Metadata     = types.Metadata
	Receipt      = types.Receipt
	Subscription = types.Subscription
	Registration = types.Registration
	Priority     = types.Priority
)

const (
	PriorityLow    = types.PriorityLow
	PriorityNormal = types.PriorityNormal
	PriorityHigh   = types.PriorityHigh
)

const (
	StatusDelivered = types.StatusDelivered
	StatusFailed    = types.StatusFailed
	StatusFiltered  = types.StatusFiltered
)
