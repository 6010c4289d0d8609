// Package server exposes the approval engine over HTTP for the grant
// dashboard. The surface is JSON in, JSON out; amounts travel as
// integer minor units, never floats.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grantflow-labs/payout-engine/pkg/approval"
	"github.com/grantflow-labs/payout-engine/pkg/chain"
	"github.com/grantflow-labs/payout-engine/pkg/chain/discovery"
	"github.com/grantflow-labs/payout-engine/pkg/persistence"
)

// Server handles HTTP requests for the payout engine
type Server struct {
	engine        *approval.Engine
	discoverer    *discovery.Discoverer
	store         persistence.IApprovalStore
	chainClient   chain.IChainClient
	networkPrefix uint16
	logger        *zap.Logger

	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(engine *approval.Engine, discoverer *discovery.Discoverer, store persistence.IApprovalStore, chainClient chain.IChainClient, networkPrefix uint16, port int, logger *zap.Logger) *Server {
	s := &Server{
		engine:        engine,
		discoverer:    discoverer,
		store:         store,
		chainClient:   chainClient,
		networkPrefix: networkPrefix,
		logger:        logger,
	}

	mux := http.NewServeMux()

	// Approval lifecycle
	mux.HandleFunc("POST /milestones/{milestoneId}/approvals", s.handleInitiate)
	mux.HandleFunc("GET /milestones/{milestoneId}/approvals", s.handleGetMilestoneApproval)
	mux.HandleFunc("POST /milestones/{milestoneId}/approvals/{approvalId}/vote", s.handleVote)
	mux.HandleFunc("GET /milestones/{milestoneId}/approvals/{approvalId}/can-vote", s.handleCanVote)
	mux.HandleFunc("POST /milestones/{milestoneId}/approvals/{approvalId}/execute", s.handleExecute)

	// Committee configuration
	mux.HandleFunc("PUT /committees/{committeeId}/multisig", s.handleSetMultisigConfig)
	mux.HandleFunc("GET /committees/{committeeId}/multisig", s.handleGetMultisigConfig)
	mux.HandleFunc("POST /committees/{committeeId}/multisig/validate", s.handleValidateMultisigConfig)
	mux.HandleFunc("GET /committees/{committeeId}/approvals", s.handleListCommitteeApprovals)

	// Chain structure discovery
	mux.HandleFunc("GET /bounties/{bountyId}/structure", s.handleBountyStructure)

	// Liveness
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down, waiting for in-flight requests up
// to the given timeout.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
