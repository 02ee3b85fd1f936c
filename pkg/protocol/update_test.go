package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allowAll(Direction, string) bool { return true }

func TestParseUpdate(t *testing.T) {
	t.Run("missing direction", func(t *testing.T) {
		_, err := ParseUpdate([]byte(`{"Foo":{"id":120}}`))
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("unknown direction", func(t *testing.T) {
		_, err := ParseUpdate([]byte(`{"Direction":3}`))
		assert.ErrorIs(t, err, ErrProtocolViolation)
		assert.ErrorIs(t, err, ErrUnknownDirection)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseUpdate([]byte(`nope`))
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("entries", func(t *testing.T) {
		u, err := ParseUpdate([]byte(`{"Direction":1,"Response":{"id":1},"Extra":{"id":77}}`))
		require.NoError(t, err)
		assert.Equal(t, FromStreamer, u.Direction)
		assert.Len(t, u.Entries, 2)
		assert.NotContains(t, u.Entries, "Direction")
	})
}

func TestApplyUpdateWithoutHandler(t *testing.T) {
	c := NewDefaultCatalog(nil)
	u, err := ParseUpdate([]byte(`{"Direction":0,"Foo":{"id":120,"byteLength":0,"structure":[]}}`))
	require.NoError(t, err)

	builtins := DefaultToStreamer()
	res := c.ApplyUpdate(u, func(_ Direction, name string) bool {
		_, ok := builtins[name]
		return ok
	})

	assert.Empty(t, res.Admitted)
	require.NotNil(t, res.Rejected)
	assert.ErrorIs(t, res.Rejected, ErrNoHandler)

	_, ok := c.LookupByName(ToStreamer, "Foo")
	assert.False(t, ok)
	_, err = c.Encode("Foo")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestApplyUpdateToStreamer(t *testing.T) {
	c := NewDefaultCatalog(nil)
	u, err := ParseUpdate([]byte(`{
		"Direction": 0,
		"KeyPress": {"id": 63, "byteLength": 2, "structure": ["uint16"]},
		"GamepadAnalog": {"id": 92, "byteLength": 3, "structure": ["uint8", "uint8", "uint8"]},
		"NoID": {"byteLength": 0},
		"NoLength": {"id": 130},
		"NoStructure": {"id": 131, "byteLength": 2},
		"Mismatch": {"id": 132, "byteLength": 4, "structure": ["uint16"]},
		"BadType": {"id": 133, "byteLength": 4, "structure": ["float"]},
		"Custom": {"id": 134, "byteLength": 8, "structure": ["double"]}
	}`))
	require.NoError(t, err)

	res := c.ApplyUpdate(u, allowAll)

	assert.Equal(t, []string{"Custom", "KeyPress"}, res.Admitted)
	assert.Equal(t, []string{GamepadAnalog}, res.Skipped)
	require.NotNil(t, res.Rejected)
	assert.Len(t, res.Rejected.Errors, 5)

	frame, err := c.Encode(KeyPress, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{63, 8, 0}, frame)

	def, _ := c.LookupByName(ToStreamer, GamepadAnalog)
	assert.Equal(t, 10, def.ByteLength)
}

func TestApplyUpdateFromStreamer(t *testing.T) {
	c := NewDefaultCatalog(nil)
	u, err := ParseUpdate([]byte(`{"Direction":1,"FreezeFrame":{"id":30},"Broken":{}}`))
	require.NoError(t, err)

	res := c.ApplyUpdate(u, allowAll)
	assert.Equal(t, []string{FreezeFrame}, res.Admitted)
	assert.Len(t, res.Rejected.Errors, 1)

	name, ok := c.LookupByID(FromStreamer, 30)
	require.True(t, ok)
	assert.Equal(t, FreezeFrame, name)
	_, ok = c.LookupByID(FromStreamer, 3)
	assert.False(t, ok)
}

func TestApplyUpdateIDCollision(t *testing.T) {
	c := NewDefaultCatalog(nil)
	u, err := ParseUpdate([]byte(`{"Direction":1,"Response":{"id":2}}`))
	require.NoError(t, err)

	res := c.ApplyUpdate(u, allowAll)
	assert.Empty(t, res.Admitted)
	assert.ErrorIs(t, res.Rejected, ErrIDInUse)

	name, _ := c.LookupByID(FromStreamer, 2)
	assert.Equal(t, Command, name)
}

func TestApplyUpdateSwapsIDs(t *testing.T) {
	for _, body := range []string{
		`{"Direction":1,"Response":{"id":2},"Command":{"id":1}}`,
		`{"Direction":1,"Command":{"id":1},"Response":{"id":2}}`,
	} {
		c := NewDefaultCatalog(nil)
		u, err := ParseUpdate([]byte(body))
		require.NoError(t, err)

		res := c.ApplyUpdate(u, allowAll)
		assert.Nil(t, res.Rejected)
		assert.Equal(t, []string{Command, Response}, res.Admitted)

		name, _ := c.LookupByID(FromStreamer, 1)
		assert.Equal(t, Command, name)
		name, _ = c.LookupByID(FromStreamer, 2)
		assert.Equal(t, Response, name)
	}
}

func TestApplyUpdateChainedRejection(t *testing.T) {
	c := NewDefaultCatalog(nil)
	// Response cannot take Command's id, so Response keeps 1 and FreezeFrame,
	// which wanted 1, is refused as well.
	u, err := ParseUpdate([]byte(`{"Direction":1,"Response":{"id":2},"FreezeFrame":{"id":1}}`))
	require.NoError(t, err)

	res := c.ApplyUpdate(u, allowAll)
	assert.Empty(t, res.Admitted)
	require.NotNil(t, res.Rejected)
	assert.Len(t, res.Rejected.Errors, 2)
	assert.ErrorIs(t, res.Rejected, ErrIDInUse)

	name, _ := c.LookupByID(FromStreamer, 1)
	assert.Equal(t, Response, name)
	name, _ = c.LookupByID(FromStreamer, 3)
	assert.Equal(t, FreezeFrame, name)
}

func TestApplyUpdateDuplicateTarget(t *testing.T) {
	c := NewDefaultCatalog(nil)
	u, err := ParseUpdate([]byte(`{"Direction":1,"FreezeFrame":{"id":40},"UnfreezeFrame":{"id":40}}`))
	require.NoError(t, err)

	res := c.ApplyUpdate(u, allowAll)
	assert.Equal(t, []string{FreezeFrame}, res.Admitted)
	assert.ErrorIs(t, res.Rejected, ErrIDInUse)

	name, _ := c.LookupByID(FromStreamer, 4)
	assert.Equal(t, UnfreezeFrame, name)
}
