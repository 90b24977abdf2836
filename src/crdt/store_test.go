package crdt

import (
	"testing"
	"time"

	cm "github.com/monas/monas-state-node/src/common"
	"github.com/monas/monas-state-node/src/kv"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initStore(t *testing.T) *Store {
	logger := cm.NewTestEntry(t, logrus.DebugLevel)
	db, err := kv.Open(t.TempDir(), false, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, logger)
}

// fixedClock returns a clock that starts at ms and advances by one
// millisecond per call.
func fixedClock(ms int64) func() time.Time {
	return func() time.Time {
		ms++
		return time.Unix(0, ms*int64(time.Millisecond))
	}
}

func TestCreateUpdateLatest(t *testing.T) {
	s := initStore(t)
	s.SetClock(fixedClock(1000))

	genesis, err := s.Create([]byte("hello"), "a")
	require.NoError(t, err)

	data, ok, err := s.GetLatest(genesis)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	v1, err := s.Update(genesis, []byte("world"), "a")
	require.NoError(t, err)

	data, _, err = s.GetLatest(genesis)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)

	history, err := s.GetHistory(genesis)
	require.NoError(t, err)
	assert.Equal(t, []string{genesis, v1}, history)

	op, err := s.GetOperation(v1)
	require.NoError(t, err)
	assert.Equal(t, []string{genesis}, op.Parents)
	assert.Equal(t, genesis, op.Target)

	exists, err := s.Exists(genesis)
	require.NoError(t, err)
	assert.True(t, exists)

	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{genesis}, list)
}

func TestUpdateUnknown(t *testing.T) {
	s := initStore(t)

	_, err := s.Update("0XDEADBEEF", []byte("x"), "a")
	assert.True(t, cm.IsStore(err, cm.KeyNotFound), "got %v", err)

	_, ok, err := s.GetLatest("0XDEADBEEF")
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := s.GetHistory("0XDEADBEEF")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestApplyIdempotent(t *testing.T) {
	a := initStore(t)
	b := initStore(t)

	genesis, err := a.Create([]byte("data"), "a")
	require.NoError(t, err)
	_, err = a.Update(genesis, []byte("data2"), "a")
	require.NoError(t, err)

	ops, err := a.GetOperations(genesis, "")
	require.NoError(t, err)
	require.Len(t, ops, 2)

	applied, err := b.ApplyOperations(ops)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	latest, _, err := b.GetLatest(genesis)
	require.NoError(t, err)
	history, err := b.GetHistory(genesis)
	require.NoError(t, err)

	applied, err = b.ApplyOperations(ops)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	again, _, err := b.GetLatest(genesis)
	require.NoError(t, err)
	assert.Equal(t, latest, again)

	historyAgain, err := b.GetHistory(genesis)
	require.NoError(t, err)
	assert.Equal(t, len(history), len(historyAgain))
}

func TestConvergence(t *testing.T) {
	a := initStore(t)
	b := initStore(t)
	a.SetClock(fixedClock(5000))
	b.SetClock(fixedClock(5000))

	genesis, err := a.Create([]byte("v0"), "a")
	require.NoError(t, err)

	ops, err := a.GetOperations(genesis, "")
	require.NoError(t, err)
	_, err = b.ApplyOperations(ops)
	require.NoError(t, err)

	// Concurrent edits on both replicas.
	_, err = a.Update(genesis, []byte("from-a"), "a")
	require.NoError(t, err)
	_, err = b.Update(genesis, []byte("from-b"), "b")
	require.NoError(t, err)
	_, err = b.Update(genesis, []byte("from-b-2"), "b")
	require.NoError(t, err)

	opsA, err := a.GetOperations(genesis, "")
	require.NoError(t, err)
	opsB, err := b.GetOperations(genesis, "")
	require.NoError(t, err)

	all := append(append([]SerializedOperation{}, opsA...), opsB...)
	reversed := make([]SerializedOperation, len(all))
	for i, op := range all {
		reversed[len(all)-1-i] = op
	}

	c := initStore(t)
	d := initStore(t)
	for _, op := range all {
		_, err := c.ApplyOperations([]SerializedOperation{op})
		require.NoError(t, err)
	}
	for _, op := range reversed {
		_, err := d.ApplyOperations([]SerializedOperation{op})
		require.NoError(t, err)
	}
	_, err = a.ApplyOperations(opsB)
	require.NoError(t, err)
	_, err = b.ApplyOperations(opsA)
	require.NoError(t, err)

	var results [][]byte
	for _, s := range []*Store{a, b, c, d} {
		latest, ok, err := s.GetLatest(genesis)
		require.NoError(t, err)
		require.True(t, ok)
		results = append(results, latest)
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}

	hc, err := c.GetHistory(genesis)
	require.NoError(t, err)
	hd, err := d.GetHistory(genesis)
	require.NoError(t, err)
	assert.Equal(t, hc, hd)
	assert.Len(t, hc, 4)
}

func TestGetOperationsSince(t *testing.T) {
	s := initStore(t)
	s.SetClock(fixedClock(0))

	genesis, err := s.Create([]byte("0"), "a")
	require.NoError(t, err)
	v1, err := s.Update(genesis, []byte("1"), "a")
	require.NoError(t, err)
	v2, err := s.Update(genesis, []byte("2"), "a")
	require.NoError(t, err)

	ops, err := s.GetOperations(genesis, v1)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	op := new(Operation)
	require.NoError(t, op.Unmarshal(ops[0].Data))
	assert.Equal(t, []byte("2"), op.Payload)
	assert.Equal(t, []string{v1}, op.Parents)

	ops, err = s.GetOperations(genesis, v2)
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = s.GetOperations(genesis, "0XUNKNOWN")
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestApplyOutOfOrder(t *testing.T) {
	a := initStore(t)
	b := initStore(t)

	genesis, err := a.Create([]byte("0"), "a")
	require.NoError(t, err)
	_, err = a.Update(genesis, []byte("1"), "a")
	require.NoError(t, err)

	ops, err := a.GetOperations(genesis, "")
	require.NoError(t, err)

	// child first
	applied, err := b.ApplyOperations([]SerializedOperation{ops[1]})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	applied, err = b.ApplyOperations([]SerializedOperation{ops[0]})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	latest, _, err := b.GetLatest(genesis)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), latest)
}

func TestApplyRejectsTampered(t *testing.T) {
	a := initStore(t)
	b := initStore(t)

	genesis, err := a.Create([]byte("0"), "a")
	require.NoError(t, err)
	ops, err := a.GetOperations(genesis, "")
	require.NoError(t, err)

	bad := ops[0]
	bad.GenesisCID = "0XOTHER"

	applied, err := b.ApplyOperations([]SerializedOperation{bad, {Data: []byte("junk"), GenesisCID: genesis}})
	assert.Error(t, err)
	assert.Equal(t, 0, applied)

	exists, err := b.Exists(genesis)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestGetSerializedOperation(t *testing.T) {
	a := initStore(t)
	b := initStore(t)

	genesis, err := a.Create([]byte("v1"), "a")
	require.NoError(t, err)
	version, err := a.Update(genesis, []byte("v2"), "a")
	require.NoError(t, err)

	sop, err := a.GetSerializedOperation(version)
	require.NoError(t, err)
	assert.Equal(t, genesis, sop.GenesisCID)
	assert.Equal(t, "a", sop.Author)

	// the update alone is accepted; its parent arrives later
	applied, err := b.ApplyOperations([]SerializedOperation{sop})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	_, err = a.GetSerializedOperation("0XMISSING")
	assert.True(t, cm.IsStore(err, cm.KeyNotFound))
}

func TestGetVersion(t *testing.T) {
	s := initStore(t)
	s.SetClock(fixedClock(1000))

	genesis, err := s.Create([]byte("v0"), "a")
	require.NoError(t, err)
	v1, err := s.Update(genesis, []byte("v1"), "a")
	require.NoError(t, err)
	_, err = s.Update(genesis, []byte("v2"), "a")
	require.NoError(t, err)

	data, ok, err := s.GetVersion(genesis, genesis)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), data)

	data, ok, err = s.GetVersion(genesis, v1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), data)

	other, err := s.Create([]byte("other"), "b")
	require.NoError(t, err)
	_, ok, err = s.GetVersion(other, v1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetVersion(genesis, "0XDEADBEEF")
	require.NoError(t, err)
	assert.False(t, ok)
}
