//go:build !linux

package sources

import (
	"context"
	"errors"

	"holt.is/bulwark/internal/events"
)

// NFLogGroup is the netfilter log group our rendered log rules target.
const NFLogGroup = 32

// NFLogSource is unavailable off Linux; Run fails immediately and the
// supervisor leaves the source parked in backoff.
type NFLogSource struct{}

func NewNFLog(uint16) *NFLogSource { return &NFLogSource{} }

func (n *NFLogSource) Name() string { return "nflog" }

func (n *NFLogSource) Run(context.Context, func(events.SecurityEvent)) error {
	return errors.New("nflog requires linux")
}
