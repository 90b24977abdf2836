package mobile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	exceptions []string
}

func (h *recordingHandler) OnException(msg string) {
	h.exceptions = append(h.exceptions, msg)
}

func TestNodeIDFromKey(t *testing.T) {
	pair := GetPrivNodeID()
	require.Contains(t, pair, "=!@#@!=")

	var id, priv string
	for i := 0; i+7 <= len(pair); i++ {
		if pair[i:i+7] == "=!@#@!=" {
			id, priv = pair[:i], pair[i+7:]
			break
		}
	}

	assert.Equal(t, id, GetNodeID(priv))
	assert.Equal(t, "", GetNodeID("not hex"))
}

func TestBadKeyIsReported(t *testing.T) {
	h := &recordingHandler{}
	conf := DefaultMobileConfig()
	conf.DataDir = t.TempDir()

	n := New("zz", "127.0.0.1:0", h, conf)
	assert.Nil(t, n)
	require.Len(t, h.exceptions, 1)
	assert.Contains(t, h.exceptions[0], "private key")
}

func TestCreateAndRead(t *testing.T) {
	pair := GetPrivNodeID()
	priv := pair[len(pair)-64:]

	h := &recordingHandler{}
	conf := DefaultMobileConfig()
	conf.DataDir = t.TempDir()
	conf.Capacity = 1024

	n := New(priv, "127.0.0.1:0", h, conf)
	require.NotNil(t, n, "%v", h.exceptions)
	n.Run(true)
	defer n.Shutdown()

	id, err := n.CreateContent([]byte("mobile"))
	require.NoError(t, err)

	data, err := n.GetContent(id)
	require.NoError(t, err)
	assert.Equal(t, "mobile", string(data))

	require.NoError(t, n.UpdateContent(id, []byte("mobile v2")))
	data, err = n.GetContent(id)
	require.NoError(t, err)
	assert.Equal(t, "mobile v2", string(data))

	assert.Contains(t, n.GetStats(), `"total_capacity":"1024"`)
	assert.Empty(t, h.exceptions)
}
