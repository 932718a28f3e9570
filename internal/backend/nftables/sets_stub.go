//go:build !linux

package nftables

import (
	"context"
	"errors"
)

// elementApplier mutates the block sets over netlink. On non-Linux hosts
// there is no netlink; the adapter falls back to the script path.
type elementApplier interface {
	addElement(ctx context.Context, set, elem string) error
	deleteElement(ctx context.Context, set, elem string) error
}

func newElementApplier() elementApplier { return stubSets{} }

type stubSets struct{}

var errNoNetlink = errors.New("netlink set operations unavailable on this platform")

func (stubSets) addElement(context.Context, string, string) error    { return errNoNetlink }
func (stubSets) deleteElement(context.Context, string, string) error { return errNoNetlink }
