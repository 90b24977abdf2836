package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/crdt"
	"github.com/monas/monas-state-node/src/directory"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/monas/monas-state-node/src/net"
	"github.com/monas/monas-state-node/src/peers"
	"github.com/monas/monas-state-node/src/registry"
	"github.com/monas/monas-state-node/src/reliable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type testNode struct {
	*Node
	engine *net.Engine
	trans  *net.InmemTransport
}

// newTestNodes starts n nodes over connected in-memory transports. Every
// node bootstraps from the first one.
func newTestNodes(t *testing.T, n int) []*testNode {
	var (
		nodes      []*testNode
		transports []*net.InmemTransport
		stores     []*kv.Store
	)

	for i := 0; i < n; i++ {
		logger := common.NewTestEntry(t, common.TestLogLevel).WithField("node", i)

		store, err := kv.Open(t.TempDir(), false, logger)
		require.NoError(t, err)
		stores = append(stores, store)

		_, trans := net.NewInmemTransport("", time.Second)
		transports = append(transports, trans)

		engine := net.NewEngine(
			peers.NewPeer(fmt.Sprintf("node%d", i), ""),
			trans,
			net.DefaultEngineConfig(),
			logger,
		)

		pubConf := reliable.DefaultConfig()
		pubConf.RetryInterval = 50 * time.Millisecond
		publisher := reliable.NewPublisher(
			reliable.NewOutbox(store, logger),
			reliable.NewInbox(store, logger),
			engine,
			engine.LocalPeerID(),
			pubConf,
			logger,
		)

		conf := DefaultConfig()
		conf.RetrySweepInterval = 100 * time.Millisecond

		node := NewNode(
			conf,
			registry.NewRegistry(store, logger),
			directory.NewDirectory(store, logger),
			crdt.NewStore(store, logger),
			engine,
			publisher,
			logger,
		)
		engine.SetRequestHandler(node)
		engine.RunAsync()
		require.NoError(t, node.Run())

		nodes = append(nodes, &testNode{node, engine, trans})
	}

	net.ConnectAll(transports...)

	ctx := context.Background()
	for _, tn := range nodes[1:] {
		require.NoError(t, tn.engine.Bootstrap(ctx, []string{nodes[0].trans.LocalAddr()}))
	}

	t.Cleanup(func() {
		for i, tn := range nodes {
			tn.Shutdown()
			tn.engine.Shutdown()
			stores[i].Close()
		}
	})

	return nodes
}

func (tn *testNode) latest(genesis string) string {
	data, ok, err := tn.store.GetLatest(genesis)
	if err != nil || !ok {
		return ""
	}
	return string(data)
}

func (tn *testNode) isMember(contentID, nodeID string) bool {
	network, ok, err := tn.directory.GetNetwork(contentID)
	return err == nil && ok && network.HasMember(nodeID)
}

func TestRegisterNodePropagates(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	snap, err := nodes[0].RegisterNode(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), snap.AvailableCapacity)

	for _, tn := range nodes {
		tn := tn
		require.Eventually(t, func() bool {
			got, ok, err := tn.registry.GetNode("node0")
			return err == nil && ok && got.TotalCapacity == 100
		}, waitFor, tick)
	}
}

func TestCreateContentReplicates(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	for _, tn := range nodes {
		_, err := tn.RegisterNode(ctx, 1000)
		require.NoError(t, err)
	}

	ev, err := nodes[0].CreateContent(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"node0", "node1", "node2"}, ev.MemberNodes)
	assert.Equal(t, uint64(5), ev.ContentSize)

	for _, tn := range nodes[1:] {
		tn := tn
		require.Eventually(t, func() bool {
			return tn.latest(ev.ContentID) == "hello"
		}, waitFor, tick)
		assert.True(t, tn.isMember(ev.ContentID, tn.ID()))
	}

	snap, ok, err := nodes[0].registry.GetNode("node0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(995), snap.AvailableCapacity)

	required, ok, err := nodes[0].directory.RequiredCapacity(ev.ContentID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), required)
}

func TestCreateContentSkipsFullPeers(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	_, err := nodes[0].RegisterNode(ctx, 1000)
	require.NoError(t, err)
	_, err = nodes[1].RegisterNode(ctx, 1000)
	require.NoError(t, err)
	_, err = nodes[2].RegisterNode(ctx, 2)
	require.NoError(t, err)

	ev, err := nodes[0].CreateContent(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []string{"node0", "node1"}, ev.MemberNodes)
}

func TestUpdateContentReachesMembers(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	for _, tn := range nodes {
		_, err := tn.RegisterNode(ctx, 1000)
		require.NoError(t, err)
	}

	created, err := nodes[0].CreateContent(ctx, []byte("v1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return nodes[1].latest(created.ContentID) == "v1"
	}, waitFor, tick)

	ev, err := nodes[1].UpdateContent(ctx, created.ContentID, []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, "node1", ev.UpdatedNodeID)

	for _, tn := range []*testNode{nodes[0], nodes[2]} {
		tn := tn
		require.Eventually(t, func() bool {
			return tn.latest(created.ContentID) == "v2"
		}, waitFor, tick)
	}
}

func TestUpdateContentErrors(t *testing.T) {
	nodes := newTestNodes(t, 2)
	ctx := context.Background()

	_, err := nodes[0].UpdateContent(ctx, "0XUNKNOWN", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownContent)

	_, err = nodes[0].directory.SaveNetwork(directory.ContentNetwork{
		ContentID:   "0XOTHER",
		MemberNodes: []string{"node1"},
	})
	require.NoError(t, err)

	_, err = nodes[0].UpdateContent(ctx, "0XOTHER", []byte("x"))
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestRequestAssignment(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	// node2 is not registered yet, so it reports no capacity and stays out
	// of the initial network
	_, err := nodes[0].RegisterNode(ctx, 1000)
	require.NoError(t, err)
	_, err = nodes[1].RegisterNode(ctx, 1000)
	require.NoError(t, err)

	created, err := nodes[0].CreateContent(ctx, []byte("assign me"))
	require.NoError(t, err)
	require.NotContains(t, created.MemberNodes, "node2")

	_, err = nodes[2].RequestAssignment(ctx)
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = nodes[2].RegisterNode(ctx, 100)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, err := nodes[2].directory.GetNetwork(created.ContentID)
		return err == nil && ok
	}, waitFor, tick)

	resp, err := nodes[2].RequestAssignment(ctx)
	require.NoError(t, err)
	require.True(t, resp.Assigned())
	assert.Equal(t, created.ContentID, resp.AssignedContentID)

	require.Eventually(t, func() bool {
		return nodes[2].latest(created.ContentID) == "assign me"
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return nodes[0].isMember(created.ContentID, "node2")
	}, waitFor, tick)

	snap, ok, err := nodes[2].registry.GetNode("node2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100-len("assign me")), snap.AvailableCapacity)

	// nothing left to assign
	resp, err = nodes[2].RequestAssignment(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Assigned())
}

func TestAddManager(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	_, err := nodes[0].RegisterNode(ctx, 1000)
	require.NoError(t, err)

	created, err := nodes[0].CreateContent(ctx, []byte("managed"))
	require.NoError(t, err)
	require.Equal(t, []string{"node0"}, created.MemberNodes)

	ev, err := nodes[0].AddManager(ctx, created.ContentID, "node2")
	require.NoError(t, err)
	assert.Equal(t, []string{"node0", "node2"}, ev.MemberNodes)

	require.Eventually(t, func() bool {
		return nodes[2].latest(created.ContentID) == "managed"
	}, waitFor, tick)
	assert.True(t, nodes[2].isMember(created.ContentID, "node2"))

	_, err = nodes[0].AddManager(ctx, "0XUNKNOWN", "node2")
	assert.ErrorIs(t, err, ErrUnknownContent)
}

func TestRequestHandler(t *testing.T) {
	nodes := newTestNodes(t, 1)
	tn := nodes[0]

	total, available, err := tn.LocalCapacity()
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, available)

	_, found, err := tn.GetOperations("0XUNKNOWN", "")
	require.NoError(t, err)
	assert.False(t, found)

	genesis, err := tn.store.Create([]byte("a"), tn.ID())
	require.NoError(t, err)

	ops, found, err := tn.GetOperations(genesis, "")
	require.NoError(t, err)
	assert.True(t, found)
	require.Len(t, ops, 1)

	// operations of another content are ignored
	applied, err := tn.ApplyOperations("0XOTHER", ops)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestSyncSource(t *testing.T) {
	network := directory.ContentNetwork{}.Merge("a", "b", "c")

	assert.Equal(t, "b", syncSource(network, "b", "c"))
	assert.Equal(t, "a", syncSource(network, "x", "c"))
	assert.Equal(t, "b", syncSource(network, "a", "a"))
	assert.Equal(t, "", syncSource(directory.ContentNetwork{}.Merge("a"), "x", "a"))
}

func TestGetStats(t *testing.T) {
	nodes := newTestNodes(t, 1)
	ctx := context.Background()

	_, err := nodes[0].RegisterNode(ctx, 10)
	require.NoError(t, err)

	stats := nodes[0].GetStats()
	assert.Equal(t, "node0", stats["id"])
	assert.Equal(t, "Running", stats["state"])
	assert.Equal(t, "10", stats["total_capacity"])
	assert.Equal(t, "1", stats["nodes"])
}

func TestInfoAndVersions(t *testing.T) {
	nodes := newTestNodes(t, 1)
	n := nodes[0]
	ctx := context.Background()

	info, err := n.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, Info{NodeID: "node0"}, info)

	_, err = n.RegisterNode(ctx, 100)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := n.GetInfo()
		return err == nil && info.Registered && info.TotalCapacity == 100
	}, waitFor, tick)

	created, err := n.CreateContent(ctx, []byte("first"))
	require.NoError(t, err)
	_, err = n.UpdateContent(ctx, created.ContentID, []byte("second"))
	require.NoError(t, err)

	history, err := n.GetHistory(created.ContentID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	data, err := n.GetVersion(created.ContentID, history[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	data, err = n.GetVersion(created.ContentID, history[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	_, err = n.GetVersion(created.ContentID, "0XMISSING")
	assert.ErrorIs(t, err, ErrUnknownContent)

	require.Eventually(t, func() bool {
		ids, err := n.ListContents()
		return err == nil && len(ids) == 1 && ids[0] == created.ContentID
	}, waitFor, tick)
}

func TestAllocationReachesPeerRegistries(t *testing.T) {
	nodes := newTestNodes(t, 3)
	ctx := context.Background()

	for _, tn := range nodes {
		_, err := tn.RegisterNode(ctx, 1000)
		require.NoError(t, err)
	}
	for _, tn := range nodes {
		tn := tn
		require.Eventually(t, func() bool {
			all, err := tn.registry.ListNodes()
			return err == nil && len(all) == 3
		}, waitFor, tick)
	}

	ev, err := nodes[0].CreateContent(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Contains(t, ev.MemberNodes, "node1")

	for _, tn := range nodes {
		tn := tn
		require.Eventually(t, func() bool {
			snap, ok, err := tn.registry.GetNode("node1")
			return err == nil && ok && snap.AvailableCapacity == 995
		}, waitFor, tick)
	}
}
