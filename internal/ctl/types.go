// Package ctl is the local control plane: a net/rpc server on a unix
// socket that exposes the service facade to the CLI. It is local-only by
// design; the socket is owner-access and there is no network listener.
package ctl

import (
	"path/filepath"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/brand"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/facade"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// SocketPath is where the daemon listens.
var SocketPath = filepath.Join(brand.DefaultRunDir, brand.SocketName)

// ProposeArgs submits either operator text or a structured rule.
type ProposeArgs struct {
	Text string
	Rule *policy.Rule
}

// ProposeReply returns the reviewed proposal.
type ProposeReply struct {
	Proposal *store.Proposal
}

// IDArgs names one entity.
type IDArgs struct {
	ID string
}

// Empty is the no-payload reply.
type Empty struct{}

// RulesReply returns the live rendered ruleset.
type RulesReply struct {
	Rules []backend.RenderedRule
}

// ImportReply returns the lifted ruleset.
type ImportReply struct {
	Rules []backend.ImportedRule
}

// StatusReply returns the daemon status.
type StatusReply struct {
	Status *facade.Status
}

// LevelArgs sets the autonomy level.
type LevelArgs struct {
	Level string
}

// NeverBlockArgs mutates the protected set.
type NeverBlockArgs struct {
	Entry string
	Note  string
}

// EventsArgs requests persisted events after a cursor.
type EventsArgs struct {
	Since int64
	Limit int
}

// EventsReply returns one batch of events.
type EventsReply struct {
	Events []events.SecurityEvent
}

// ProposalsArgs filters the proposal list.
type ProposalsArgs struct {
	State string
	Limit int
}

// ProposalsReply returns proposals.
type ProposalsReply struct {
	Proposals []*store.Proposal
}

// DeploymentsReply returns deployments.
type DeploymentsReply struct {
	Deployments []*store.Deployment
}
