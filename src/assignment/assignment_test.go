package assignment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/events"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetwork struct {
	cids    []string
	err     error
	calls   int
	exclude string
}

func (n *fakeNetwork) QueryAssignable(ctx context.Context, available uint64, exclude string, limit int) ([]string, error) {
	n.calls++
	n.exclude = exclude
	return n.cids, n.err
}

func newTestDirectory(t *testing.T) *directory.Directory {
	logger := cm.NewTestEntry(t, logrus.DebugLevel)
	db, err := kv.Open(t.TempDir(), false, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return directory.NewDirectory(db, logger)
}

func TestDecideNoCandidates(t *testing.T) {
	resp, evs := DecideAssignment("a", AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 10}, nil)
	assert.False(t, resp.Assigned())
	assert.Equal(t, "b", resp.RequestingNodeID)
	assert.Empty(t, evs)
}

func TestDecideEmitsOneEvent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	req := AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 10}

	resp, evs := decide("a", req, []string{"x", "y", "z"}, func(n int) int { return n - 1 }, now)
	require.True(t, resp.Assigned())
	assert.Equal(t, "z", resp.AssignedContentID)

	require.Len(t, evs, 1)
	decided, ok := evs[0].(*events.AssignmentDecided)
	require.True(t, ok)
	assert.Equal(t, "a", decided.AssigningNodeID)
	assert.Equal(t, "b", decided.AssignedNodeID)
	assert.Equal(t, "z", decided.ContentID)
	assert.Equal(t, uint64(1700000000000), decided.Timestamp)
}

func TestDecidePicksFromCandidates(t *testing.T) {
	candidates := []string{"x", "y", "z"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		resp, _ := DecideAssignment("a", AssignmentRequest{RequestingNodeID: "b"}, candidates)
		assert.Contains(t, candidates, resp.AssignedContentID)
		seen[resp.AssignedContentID] = true
	}
	// 200 uniform draws from 3 miss one with negligible probability
	assert.Len(t, seen, 3)
}

func TestAssignNeverOverCapacity(t *testing.T) {
	dir := newTestDirectory(t)
	require.NoError(t, dir.IndexByCapacity("small", 10))
	require.NoError(t, dir.IndexByCapacity("medium", 100))
	require.NoError(t, dir.IndexByCapacity("large", 1000))

	a := NewAssigner("a", dir, nil, cm.NewTestEntry(t, logrus.DebugLevel))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		resp, evs, err := a.Assign(ctx, AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 100})
		require.NoError(t, err)
		require.True(t, resp.Assigned())
		assert.Contains(t, []string{"small", "medium"}, resp.AssignedContentID)
		assert.Len(t, evs, 1)
	}

	resp, evs, err := a.Assign(ctx, AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 5})
	require.NoError(t, err)
	assert.False(t, resp.Assigned())
	assert.Empty(t, evs)
}

func TestAssignSkipsExistingMembership(t *testing.T) {
	dir := newTestDirectory(t)
	require.NoError(t, dir.IndexByCapacity("mine", 10))
	_, err := dir.SaveNetwork(directory.ContentNetwork{ContentID: "mine", MemberNodes: []string{"b"}})
	require.NoError(t, err)

	a := NewAssigner("a", dir, nil, cm.NewTestEntry(t, logrus.DebugLevel))

	resp, _, err := a.Assign(context.Background(), AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 100})
	require.NoError(t, err)
	assert.False(t, resp.Assigned())
}

func TestAssignFallsBackToNetwork(t *testing.T) {
	dir := newTestDirectory(t)
	network := &fakeNetwork{cids: []string{"remote"}}
	a := NewAssigner("a", dir, network, cm.NewTestEntry(t, logrus.DebugLevel))
	ctx := context.Background()

	resp, _, err := a.Assign(ctx, AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 100})
	require.NoError(t, err)
	assert.Equal(t, "remote", resp.AssignedContentID)
	assert.Equal(t, 1, network.calls)

	// local candidates win without asking the network
	require.NoError(t, dir.IndexByCapacity("local", 10))
	resp, _, err = a.Assign(ctx, AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 100})
	require.NoError(t, err)
	assert.Equal(t, "local", resp.AssignedContentID)
	assert.Equal(t, 1, network.calls)
}

func TestAssignNetworkFailureIsNotAnError(t *testing.T) {
	dir := newTestDirectory(t)
	network := &fakeNetwork{err: errors.New("insufficient peers")}
	a := NewAssigner("a", dir, network, cm.NewTestEntry(t, logrus.DebugLevel))

	resp, evs, err := a.Assign(context.Background(), AssignmentRequest{RequestingNodeID: "b", AvailableCapacity: 100})
	require.NoError(t, err)
	assert.False(t, resp.Assigned())
	assert.Empty(t, evs)
}

func TestCandidatesBeyondHeldContent(t *testing.T) {
	dir := newTestDirectory(t)
	for i := 0; i < DefaultCandidateLimit; i++ {
		cid := fmt.Sprintf("held-%03d", i)
		require.NoError(t, dir.IndexByCapacity(cid, 1))
		_, err := dir.AddMember(cid, "A")
		require.NoError(t, err)
	}
	require.NoError(t, dir.IndexByCapacity("big", 10))

	network := &fakeNetwork{}
	a := NewAssigner("b", dir, network, cm.NewTestEntry(t, logrus.DebugLevel))

	candidates, err := a.Candidates(context.Background(), AssignmentRequest{RequestingNodeID: "A", AvailableCapacity: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, candidates)
	assert.Equal(t, 0, network.calls)
}

func TestNetworkCandidatesFilteredByLocalMembership(t *testing.T) {
	dir := newTestDirectory(t)
	_, err := dir.AddMember("known", "A")
	require.NoError(t, err)

	network := &fakeNetwork{cids: []string{"known", "fresh"}}
	a := NewAssigner("b", dir, network, cm.NewTestEntry(t, logrus.DebugLevel))

	candidates, err := a.Candidates(context.Background(), AssignmentRequest{RequestingNodeID: "A", AvailableCapacity: 100})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, candidates)
	assert.Equal(t, "A", network.exclude)
}
