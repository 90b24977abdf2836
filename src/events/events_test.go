package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDDeterministic(t *testing.T) {
	a := &NodeCreated{NodeID: "A", TotalCapacity: 1000, AvailableCapacity: 1000, Timestamp: 42}
	b := &NodeCreated{NodeID: "A", TotalCapacity: 1000, AvailableCapacity: 10, Timestamp: 42}
	c := &NodeCreated{NodeID: "A", TotalCapacity: 1000, AvailableCapacity: 1000, Timestamp: 43}

	assert.Equal(t, ID(a), ID(b), "capacity is not an identifying field")
	assert.NotEqual(t, ID(a), ID(c))
	assert.Len(t, ID(a), 16)

	updated := &ContentUpdated{ContentID: "A", Timestamp: 42}
	assert.NotEqual(t, ID(a), ID(updated), "type takes part in the id")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	all := []Event{
		&NodeCreated{NodeID: "n", TotalCapacity: 1, AvailableCapacity: 1, Timestamp: 1},
		&ContentCreated{ContentID: "c", CreatorNodeID: "n", ContentSize: 5, MemberNodes: []string{"n"}, Timestamp: 2},
		&ContentUpdated{ContentID: "c", UpdatedNodeID: "n", Timestamp: 3},
		&AssignmentDecided{AssigningNodeID: "n", AssignedNodeID: "m", ContentID: "c", Timestamp: 4},
		&ContentNetworkManagerAdded{ContentID: "c", AddedNodeID: "m", MemberNodes: []string{"m", "n"}, Timestamp: 5},
		&ContentSyncRequested{ContentID: "c", RequestingNodeID: "m", SourceNodeID: "n", Timestamp: 6},
	}
	require.Len(t, all, len(Types))

	for _, ev := range all {
		data, err := Marshal(ev)
		require.NoError(t, err)

		decoded, err := Unmarshal(data)
		require.NoError(t, err, ev.Type())
		assert.Equal(t, ev, decoded)
		assert.Equal(t, ID(ev), ID(decoded))
	}
}

func TestUnmarshalRejects(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"Unknown"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"NodeCreated"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"NodeCreated","content_updated":{"content_id":"x"}}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "monas/events/ContentCreated", Topic(ContentCreatedType))
	assert.Equal(t, "", ContentID(&NodeCreated{NodeID: "n"}))
	assert.Equal(t, "c", ContentID(&AssignmentDecided{ContentID: "c"}))
}
