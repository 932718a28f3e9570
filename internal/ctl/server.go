package ctl

import (
	"context"
	"net"
	"net/rpc"
	"os"
	"path/filepath"

	"holt.is/bulwark/internal/facade"
	"holt.is/bulwark/internal/logging"
	"holt.is/bulwark/internal/store"
)

// Server hosts the RPC surface over the unix socket.
type Server struct {
	svc      *facade.Service
	st       *store.Store
	log      *logging.Logger
	listener net.Listener
}

// NewServer creates the control-plane server.
func NewServer(svc *facade.Service, st *store.Store, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{svc: svc, st: st, log: log.Component("ctl")}
}

// Listen binds the socket and serves until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, socketPath string) error {
	if socketPath == "" {
		socketPath = SocketPath
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o750); err != nil {
		return err
	}
	// A stale socket from an unclean shutdown blocks the bind.
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln

	srv := rpc.NewServer()
	if err := srv.RegisterName("Ctl", &handler{svc: s.svc, st: s.st}); err != nil {
		ln.Close()
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		os.Remove(socketPath)
	}()

	s.log.Info("control plane listening", "socket", socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go srv.ServeConn(conn)
	}
}

// handler is the RPC-visible method set. Every method logs and defers
// to the facade; no logic lives here.
type handler struct {
	svc *facade.Service
	st  *store.Store
}

func (h *handler) Propose(args ProposeArgs, reply *ProposeReply) error {
	p, err := h.svc.Propose(context.Background(), args.Text, args.Rule)
	if err != nil {
		return err
	}
	reply.Proposal = p
	return nil
}

func (h *handler) Approve(args IDArgs, _ *Empty) error {
	return h.svc.Approve(context.Background(), args.ID)
}

func (h *handler) Reject(args IDArgs, _ *Empty) error {
	return h.svc.Reject(context.Background(), args.ID)
}

func (h *handler) CancelApproval(args IDArgs, _ *Empty) error {
	return h.svc.CancelApproval(context.Background(), args.ID)
}

func (h *handler) Commit(args IDArgs, _ *Empty) error {
	return h.svc.Commit(context.Background(), args.ID)
}

func (h *handler) Rollback(args IDArgs, _ *Empty) error {
	return h.svc.Rollback(context.Background(), args.ID)
}

func (h *handler) ListRules(_ Empty, reply *RulesReply) error {
	rules, err := h.svc.ListRules(context.Background())
	if err != nil {
		return err
	}
	reply.Rules = rules
	return nil
}

func (h *handler) ImportRules(_ Empty, reply *ImportReply) error {
	rules, err := h.svc.ImportRules(context.Background())
	if err != nil {
		return err
	}
	reply.Rules = rules
	return nil
}

func (h *handler) Status(_ Empty, reply *StatusReply) error {
	st, err := h.svc.DaemonStatus(context.Background())
	if err != nil {
		return err
	}
	reply.Status = st
	return nil
}

func (h *handler) AutonomySetLevel(args LevelArgs, _ *Empty) error {
	return h.svc.AutonomySetLevel(context.Background(), args.Level)
}

func (h *handler) AutonomyResetBreaker(_ Empty, _ *Empty) error {
	return h.svc.AutonomyResetBreaker(context.Background())
}

func (h *handler) NeverBlockAdd(args NeverBlockArgs, _ *Empty) error {
	return h.svc.NeverBlockAdd(context.Background(), args.Entry, args.Note)
}

func (h *handler) NeverBlockRemove(args NeverBlockArgs, _ *Empty) error {
	return h.svc.NeverBlockRemove(context.Background(), args.Entry)
}

func (h *handler) Events(args EventsArgs, reply *EventsReply) error {
	evs, err := h.st.EventsSince(args.Since, args.Limit)
	if err != nil {
		return err
	}
	reply.Events = evs
	return nil
}

func (h *handler) Proposals(args ProposalsArgs, reply *ProposalsReply) error {
	list, err := h.st.ListProposals(store.ProposalState(args.State), args.Limit)
	if err != nil {
		return err
	}
	reply.Proposals = list
	return nil
}

func (h *handler) Deployments(_ Empty, reply *DeploymentsReply) error {
	list, err := h.st.ListDeployments("", 100)
	if err != nil {
		return err
	}
	reply.Deployments = list
	return nil
}
