// Package assignment decides which content item a node with spare capacity
// should replicate next.
package assignment

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/events"
	"github.com/sirupsen/logrus"
)

// DefaultCandidateLimit bounds the candidates considered per decision.
const DefaultCandidateLimit = 64

// AssignmentRequest is a node asking for content to replicate.
type AssignmentRequest struct {
	RequestingNodeID  string `json:"requesting_node_id"`
	AvailableCapacity uint64 `json:"available_capacity"`
}

// AssignmentResponse carries the decision. AssignedContentID is empty when
// there was nothing to assign.
type AssignmentResponse struct {
	RequestingNodeID  string `json:"requesting_node_id"`
	AssignedContentID string `json:"assigned_content_id,omitempty"`
}

// Assigned reports whether a content item was assigned.
func (r AssignmentResponse) Assigned() bool {
	return r.AssignedContentID != ""
}

var (
	rngLock sync.Mutex
	rng     = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func pick(n int) int {
	rngLock.Lock()
	defer rngLock.Unlock()
	return rng.Intn(n)
}

func millis(t time.Time) uint64 {
	return uint64(t.UnixNano() / int64(time.Millisecond))
}

// DecideAssignment picks one of candidates uniformly at random. The
// candidates must already fit the requester's available capacity. No
// candidate means no assignment and no event.
func DecideAssignment(assigningNodeID string, request AssignmentRequest, candidates []string) (AssignmentResponse, []events.Event) {
	return decide(assigningNodeID, request, candidates, pick, time.Now())
}

func decide(
	assigningNodeID string,
	request AssignmentRequest,
	candidates []string,
	choose func(n int) int,
	now time.Time,
) (AssignmentResponse, []events.Event) {

	resp := AssignmentResponse{RequestingNodeID: request.RequestingNodeID}
	if len(candidates) == 0 {
		return resp, nil
	}

	resp.AssignedContentID = candidates[choose(len(candidates))]

	return resp, []events.Event{
		&events.AssignmentDecided{
			AssigningNodeID: assigningNodeID,
			AssignedNodeID:  request.RequestingNodeID,
			ContentID:       resp.AssignedContentID,
			Timestamp:       millis(now),
		},
	}
}

// Network is the network-wide fallback for candidates.
type Network interface {
	QueryAssignable(ctx context.Context, availableCapacity uint64, exclude string, limit int) ([]string, error)
}

// Assigner sources candidates from the local directory, or from the network
// when the directory has none, and decides.
type Assigner struct {
	self      string
	directory *directory.Directory
	network   Network
	limit     int
	logger    *logrus.Entry
}

// NewAssigner ...
func NewAssigner(self string, dir *directory.Directory, network Network, logger *logrus.Entry) *Assigner {
	return &Assigner{
		self:      self,
		directory: dir,
		network:   network,
		limit:     DefaultCandidateLimit,
		logger:    logger.WithField("component", "assignment"),
	}
}

// Candidates returns the content ids that fit availableCapacity, leaving out
// those the requester already replicates as far as the directory knows. A
// network failure is logged and yields no candidates.
func (a *Assigner) Candidates(ctx context.Context, request AssignmentRequest) ([]string, error) {
	candidates, err := a.directory.FindAssignable(request.AvailableCapacity, request.RequestingNodeID, a.limit)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 || a.network == nil {
		return candidates, nil
	}

	remote, err := a.network.QueryAssignable(ctx, request.AvailableCapacity, request.RequestingNodeID, a.limit)
	if err != nil {
		a.logger.WithError(err).Debug("QueryAssignable")
		return nil, nil
	}

	// peers filter by their own view of membership, ours may know more
	return a.filterMember(remote, request.RequestingNodeID)
}

func (a *Assigner) filterMember(cids []string, nodeID string) ([]string, error) {
	res := make([]string, 0, len(cids))
	for _, cid := range cids {
		network, ok, err := a.directory.GetNetwork(cid)
		if err != nil {
			return nil, err
		}
		if ok && network.HasMember(nodeID) {
			continue
		}
		res = append(res, cid)
	}
	return res, nil
}

// Assign sources candidates for request and decides among them.
func (a *Assigner) Assign(ctx context.Context, request AssignmentRequest) (AssignmentResponse, []events.Event, error) {
	candidates, err := a.Candidates(ctx, request)
	if err != nil {
		return AssignmentResponse{}, nil, err
	}

	resp, evs := DecideAssignment(a.self, request, candidates)

	a.logger.WithFields(logrus.Fields{
		"requester":  request.RequestingNodeID,
		"available":  request.AvailableCapacity,
		"candidates": len(candidates),
		"assigned":   resp.AssignedContentID,
	}).Debug("Assign")

	return resp, evs, nil
}
