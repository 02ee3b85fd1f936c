package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := NewDefaultCatalog(nil)

	assert.Len(t, c.Names(ToStreamer), len(DefaultToStreamer()))
	assert.Len(t, c.Names(FromStreamer), len(DefaultFromStreamer()))

	def, ok := c.LookupByName(ToStreamer, GamepadAnalog)
	require.True(t, ok)
	assert.Equal(t, byte(92), def.ID)
	assert.Equal(t, 10, def.ByteLength)

	name, ok := c.LookupByID(FromStreamer, 3)
	require.True(t, ok)
	assert.Equal(t, FreezeFrame, name)

	// Same name, different id per direction.
	to, _ := c.LookupByName(ToStreamer, LatencyTest)
	from, _ := c.LookupByName(FromStreamer, LatencyTest)
	assert.Equal(t, byte(6), to.ID)
	assert.Equal(t, byte(6), from.ID)
	cmd, _ := c.LookupByName(FromStreamer, Command)
	assert.Equal(t, byte(2), cmd.ID)
}

func TestDefaultDefinitionsValid(t *testing.T) {
	for name, def := range DefaultToStreamer() {
		assert.NoError(t, def.Validate(), name)
	}
}

func TestRegister(t *testing.T) {
	t.Run("rejects size mismatch", func(t *testing.T) {
		c := NewCatalog(nil)
		err := c.Register(ToStreamer, "Bad", MessageDefinition{ID: 1, ByteLength: 3, Structure: []FieldType{Uint16}})
		assert.ErrorIs(t, err, ErrInvalidDefinition)
		_, ok := c.LookupByName(ToStreamer, "Bad")
		assert.False(t, ok)
	})

	t.Run("rejects id held by another name", func(t *testing.T) {
		c := NewDefaultCatalog(nil)
		err := c.Register(ToStreamer, "Other", MessageDefinition{ID: 4})
		assert.ErrorIs(t, err, ErrIDInUse)

		name, ok := c.LookupByID(ToStreamer, 4)
		require.True(t, ok)
		assert.Equal(t, StartStreaming, name)
	})

	t.Run("replacing a name frees its old id", func(t *testing.T) {
		c := NewDefaultCatalog(nil)
		require.NoError(t, c.ApplyNegotiatedUpdate(FromStreamer, Response, MessageDefinition{ID: 100}))

		_, ok := c.LookupByID(FromStreamer, 1)
		assert.False(t, ok)
		name, ok := c.LookupByID(FromStreamer, 100)
		require.True(t, ok)
		assert.Equal(t, Response, name)

		require.NoError(t, c.Register(FromStreamer, "Reused", MessageDefinition{ID: 1}))
	})

	t.Run("inbound ignores layout", func(t *testing.T) {
		c := NewCatalog(nil)
		require.NoError(t, c.Register(FromStreamer, "Custom", MessageDefinition{ID: 40, ByteLength: 9}))
		def, ok := c.LookupByName(FromStreamer, "Custom")
		require.True(t, ok)
		assert.Equal(t, MessageDefinition{ID: 40}, def)
	})

	t.Run("unknown direction", func(t *testing.T) {
		c := NewCatalog(nil)
		assert.ErrorIs(t, c.Register(Direction(7), "X", MessageDefinition{}), ErrUnknownDirection)
		_, ok := c.LookupByName(Direction(7), "X")
		assert.False(t, ok)
	})
}

func TestFieldTypeText(t *testing.T) {
	for _, s := range []string{"uint8", "uint16", "int16", "double"} {
		f, err := ParseFieldType(s)
		require.NoError(t, err)
		assert.Equal(t, s, f.String())
	}

	f, err := ParseFieldType("float64")
	require.NoError(t, err)
	assert.Equal(t, Float64, f)

	_, err = ParseFieldType("float")
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
