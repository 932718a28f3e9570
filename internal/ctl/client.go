package ctl

import (
	"fmt"
	"net/rpc"

	"holt.is/bulwark/internal/backend"
	"holt.is/bulwark/internal/events"
	"holt.is/bulwark/internal/facade"
	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/store"
)

// Client talks to the daemon's control socket.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the daemon.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = SocketPath
	}
	c, err := rpc.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", socketPath, err)
	}
	return &Client{rpc: c}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.rpc.Close() }

func (c *Client) Propose(text string, rule *policy.Rule) (*store.Proposal, error) {
	var reply ProposeReply
	if err := c.rpc.Call("Ctl.Propose", ProposeArgs{Text: text, Rule: rule}, &reply); err != nil {
		return nil, err
	}
	return reply.Proposal, nil
}

func (c *Client) Approve(id string) error {
	return c.rpc.Call("Ctl.Approve", IDArgs{ID: id}, &Empty{})
}

func (c *Client) Reject(id string) error {
	return c.rpc.Call("Ctl.Reject", IDArgs{ID: id}, &Empty{})
}

func (c *Client) CancelApproval(id string) error {
	return c.rpc.Call("Ctl.CancelApproval", IDArgs{ID: id}, &Empty{})
}

func (c *Client) Commit(id string) error {
	return c.rpc.Call("Ctl.Commit", IDArgs{ID: id}, &Empty{})
}

func (c *Client) Rollback(id string) error {
	return c.rpc.Call("Ctl.Rollback", IDArgs{ID: id}, &Empty{})
}

func (c *Client) ListRules() ([]backend.RenderedRule, error) {
	var reply RulesReply
	if err := c.rpc.Call("Ctl.ListRules", Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Rules, nil
}

func (c *Client) ImportRules() ([]backend.ImportedRule, error) {
	var reply ImportReply
	if err := c.rpc.Call("Ctl.ImportRules", Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Rules, nil
}

func (c *Client) Status() (*facade.Status, error) {
	var reply StatusReply
	if err := c.rpc.Call("Ctl.Status", Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Status, nil
}

func (c *Client) AutonomySetLevel(level string) error {
	return c.rpc.Call("Ctl.AutonomySetLevel", LevelArgs{Level: level}, &Empty{})
}

func (c *Client) AutonomyResetBreaker() error {
	return c.rpc.Call("Ctl.AutonomyResetBreaker", Empty{}, &Empty{})
}

func (c *Client) NeverBlockAdd(entry, note string) error {
	return c.rpc.Call("Ctl.NeverBlockAdd", NeverBlockArgs{Entry: entry, Note: note}, &Empty{})
}

func (c *Client) NeverBlockRemove(entry string) error {
	return c.rpc.Call("Ctl.NeverBlockRemove", NeverBlockArgs{Entry: entry}, &Empty{})
}

func (c *Client) Events(since int64, limit int) ([]events.SecurityEvent, error) {
	var reply EventsReply
	if err := c.rpc.Call("Ctl.Events", EventsArgs{Since: since, Limit: limit}, &reply); err != nil {
		return nil, err
	}
	return reply.Events, nil
}

func (c *Client) Proposals(state string, limit int) ([]*store.Proposal, error) {
	var reply ProposalsReply
	if err := c.rpc.Call("Ctl.Proposals", ProposalsArgs{State: state, Limit: limit}, &reply); err != nil {
		return nil, err
	}
	return reply.Proposals, nil
}

func (c *Client) Deployments() ([]*store.Deployment, error) {
	var reply DeploymentsReply
	if err := c.rpc.Call("Ctl.Deployments", Empty{}, &reply); err != nil {
		return nil, err
	}
	return reply.Deployments, nil
}
