// Package contentsync moves CRDT operations between the members of a content
// network. Pull brings a node up to date from the providers of an item; push
// sends everything a node holds to the other members. Both end in the same
// idempotent apply, so running them more often than needed is harmless.
package contentsync

import (
	"context"
	"fmt"

	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/sirupsen/logrus"
)

// Network is the part of the peer network the sync service uses.
type Network interface {
	LocalPeerID() string
	FindContentProviders(ctx context.Context, contentID string) ([]string, error)
	FetchOperations(ctx context.Context, peerID, genesisCID, since string) ([]crdt.SerializedOperation, error)
	PushOperations(ctx context.Context, peerID, genesisCID string, ops []crdt.SerializedOperation) (int, error)
	BroadcastOperation(ctx context.Context, genesisCID string, op crdt.SerializedOperation) error
}

// SyncResult is the outcome of a pull. Errors holds one entry per provider
// that could not be fetched from or whose operations could not be applied.
type SyncResult struct {
	OperationsApplied  int      `json:"operations_applied"`
	ProvidersContacted int      `json:"providers_contacted"`
	Errors             []string `json:"errors"`
}

// PushResult is the outcome of a push.
type PushResult struct {
	NodesPushed    int      `json:"nodes_pushed"`
	OperationsSent int      `json:"operations_sent"`
	Errors         []string `json:"errors"`
}

// ContentSyncResult pairs a content id with the result of pulling it.
type ContentSyncResult struct {
	ContentID string     `json:"content_id"`
	Result    SyncResult `json:"result"`
}

// Service runs pulls and pushes for the local node.
type Service struct {
	store     *crdt.Store
	directory *directory.Directory
	network   Network
	logger    *logrus.Entry
}

// NewService ...
func NewService(store *crdt.Store, dir *directory.Directory, network Network, logger *logrus.Entry) *Service {
	return &Service{
		store:     store,
		directory: dir,
		network:   network,
		logger:    logger.WithField("component", "sync"),
	}
}

// SyncFromPeers pulls the operations of genesisCID this node is missing from
// every provider but itself. No providers is a zero result, not an error.
// Only local storage failures are returned as errors.
func (s *Service) SyncFromPeers(ctx context.Context, genesisCID string) (SyncResult, error) {
	var res SyncResult

	providers, err := s.network.FindContentProviders(ctx, genesisCID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("find providers: %v", err))
		return res, nil
	}
	if len(providers) == 0 {
		return res, nil
	}

	history, err := s.store.GetHistory(genesisCID)
	if err != nil {
		return res, err
	}

	var since string
	if len(history) > 0 {
		since = history[len(history)-1]
	}

	self := s.network.LocalPeerID()

	for _, provider := range providers {
		if provider == self {
			continue
		}
		res.ProvidersContacted++

		ops, err := s.network.FetchOperations(ctx, provider, genesisCID, since)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("fetch from %s: %v", provider, err))
			continue
		}
		if len(ops) == 0 {
			continue
		}

		applied, err := s.store.ApplyOperations(ops)
		res.OperationsApplied += applied
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("apply from %s: %v", provider, err))
		}
	}

	s.logger.WithFields(logrus.Fields{
		"content":   genesisCID,
		"providers": res.ProvidersContacted,
		"applied":   res.OperationsApplied,
		"errors":    len(res.Errors),
	}).Debug("SyncFromPeers")

	return res, nil
}

// PushToPeers sends every local operation of genesisCID to the other members
// of its content network. An unknown network is reported in Errors.
func (s *Service) PushToPeers(ctx context.Context, genesisCID string) (PushResult, error) {
	var res PushResult

	network, ok, err := s.directory.GetNetwork(genesisCID)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("content network not found: %s", genesisCID))
		return res, nil
	}

	ops, err := s.store.GetOperations(genesisCID, "")
	if err != nil {
		return res, err
	}
	if len(ops) == 0 {
		return res, nil
	}

	self := s.network.LocalPeerID()

	for _, member := range network.MemberNodes {
		if member == self {
			continue
		}

		if _, err := s.network.PushOperations(ctx, member, genesisCID, ops); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("push to %s: %v", member, err))
			continue
		}
		res.NodesPushed++
		res.OperationsSent += len(ops)
	}

	s.logger.WithFields(logrus.Fields{
		"content": genesisCID,
		"nodes":   res.NodesPushed,
		"ops":     res.OperationsSent,
		"errors":  len(res.Errors),
	}).Debug("PushToPeers")

	return res, nil
}

// SyncAllContent pulls every content item whose network counts this node as
// a member. A failing item is logged and skipped.
func (s *Service) SyncAllContent(ctx context.Context) ([]ContentSyncResult, error) {
	networks, err := s.directory.ListNetworks()
	if err != nil {
		return nil, err
	}

	self := s.network.LocalPeerID()

	var results []ContentSyncResult
	for _, network := range networks {
		if !network.HasMember(self) {
			continue
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		res, err := s.SyncFromPeers(ctx, network.ContentID)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"content": network.ContentID,
				"error":   err,
			}).Warn("Sync failed")
			continue
		}
		results = append(results, ContentSyncResult{
			ContentID: network.ContentID,
			Result:    res,
		})
	}

	return results, nil
}

// BroadcastOperation gossips op as a hint to the other replicas. Delivery is
// not guaranteed; the periodic pull catches up whatever is lost.
func (s *Service) BroadcastOperation(ctx context.Context, genesisCID string, op crdt.SerializedOperation) error {
	return s.network.BroadcastOperation(ctx, genesisCID, op)
}
