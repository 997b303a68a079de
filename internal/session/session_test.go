package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	t.Parallel()

	st := NewFileStore(t.TempDir())

	_, ok, err := st.Read("romprod")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Write("romprod", []byte(`{"cookies":[]}`)))

	data, ok, err := st.Read("romprod")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"cookies":[]}`, string(data))
}

func TestFileStore_ExcludedSiteNeverPersisted(t *testing.T) {
	t.Parallel()

	st := NewFileStore(t.TempDir(), "maxywholesale")

	assert.False(t, st.Persistable("maxywholesale"))
	assert.True(t, st.Persistable("romprod"))

	// Writes are dropped, reads come back empty.
	require.NoError(t, st.Write("maxywholesale", []byte("state")))
	_, ok, err := st.Read("maxywholesale")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_EmptyFileTreatedAsMissing(t *testing.T) {
	t.Parallel()

	st := NewFileStore(t.TempDir())
	require.NoError(t, st.Write("foodex", nil))

	_, ok, err := st.Read("foodex")
	require.NoError(t, err)
	assert.False(t, ok)
}
