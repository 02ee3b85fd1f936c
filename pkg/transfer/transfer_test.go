package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(total int, body []byte) []byte {
	return append(SizeHeader(total), body...)
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestFreezeFrameSplitPoints(t *testing.T) {
	image := sequence(300)
	splits := [][2]int{
		{1, 2},
		{100, 200},
		{0, 0},
		{150, 299},
		{10, 10},
	}

	for _, s := range splits {
		ff := NewFreezeFrame(nil)
		parts := [][]byte{image[:s[0]], image[s[0]:s[1]], image[s[1]:]}

		completions := 0
		var got Image
		for _, p := range parts {
			img, done, err := ff.Receive(chunk(len(image), p))
			require.NoError(t, err)
			if done {
				completions++
				got = img
			}
		}

		assert.Equal(t, 1, completions, "split %v", s)
		assert.Equal(t, image, got.JPEG, "split %v", s)
		assert.True(t, ff.Valid())
		assert.Equal(t, Complete, ff.State())
	}
}

func TestFreezeFrameOverflow(t *testing.T) {
	ff := NewFreezeFrame(nil)

	_, done, err := ff.Receive(chunk(10, sequence(6)))
	require.NoError(t, err)
	assert.False(t, done)

	_, done, err = ff.Receive(chunk(10, sequence(6)))
	assert.ErrorIs(t, err, ErrTransferOverflow)
	assert.False(t, done)
	assert.Equal(t, Overflowed, ff.State())
	assert.False(t, ff.Valid())
	assert.Empty(t, ff.Payload())

	// The next chunk starts over.
	img, done, err := ff.Receive(chunk(3, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{1, 2, 3}, img.JPEG)
}

func TestFreezeFrameSizeFromFirstChunk(t *testing.T) {
	ff := NewFreezeFrame(nil)

	_, _, err := ff.Receive(chunk(4, []byte{1, 2}))
	require.NoError(t, err)
	img, done, err := ff.Receive(chunk(999, []byte{3, 4}))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{1, 2, 3, 4}, img.JPEG)
}

func TestFreezeFrameBadChunks(t *testing.T) {
	ff := NewFreezeFrame(nil)

	_, _, err := ff.Receive([]byte{1, 2})
	assert.ErrorIs(t, err, ErrShortChunk)

	_, _, err = ff.Receive(chunk(-1, nil))
	assert.ErrorIs(t, err, ErrInvalidSize)
	assert.Equal(t, Idle, ff.State())
}

func TestFreezeFrameDimensions(t *testing.T) {
	ff := NewFreezeFrame(nil)
	_, done, err := ff.Receive(chunk(1, []byte{9}))
	require.NoError(t, err)
	require.True(t, done)

	ff.SetDimensions(640, 360)
	w, h := ff.Dimensions()
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)

	ff.Invalidate()
	assert.False(t, ff.Valid())
}

func TestBeginWhileReceivingSupersedes(t *testing.T) {
	r := NewReassembler("test", Bytes, nil)

	assert.False(t, r.Begin())
	require.NoError(t, r.SetExpectedSize(10))
	_, err := r.Append([]byte{1, 2, 3})
	require.NoError(t, err)

	assert.True(t, r.Begin())
	assert.Equal(t, Receiving, r.State())
	assert.Empty(t, r.Payload())
	assert.Equal(t, 0, r.Expected())
}

func TestResetAbandonsTransfer(t *testing.T) {
	ff := NewFreezeFrame(nil)
	assert.False(t, ff.Reset())

	_, _, err := ff.Receive(chunk(10, []byte{1, 2}))
	require.NoError(t, err)
	assert.True(t, ff.Reset())
	assert.Equal(t, Idle, ff.State())

	// A fresh transfer takes its size from its own first chunk.
	img, done, err := ff.Receive(chunk(2, []byte{7, 8}))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte{7, 8}, img.JPEG)
}

func TestAppendWhenIdle(t *testing.T) {
	r := NewReassembler("test", Bytes, nil)
	_, err := r.Append([]byte{1})
	assert.ErrorIs(t, err, ErrNotReceiving)
	assert.Error(t, r.SetExpectedSize(-1))
}

func TestFileTransfer(t *testing.T) {
	data := sequence(MaxFileChunkPayload*2 + 10)

	ft := NewFileTransfer(nil)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	ft.now = func() time.Time { return clock }

	ft.Extension("txt")
	ft.MimeType("text/plain")

	var file File
	completions := 0
	for off := 0; off < len(data); off += MaxFileChunkPayload {
		end := off + MaxFileChunkPayload
		if end > len(data) {
			end = len(data)
		}
		clock = clock.Add(100 * time.Millisecond)
		f, done, err := ft.Contents(chunk(len(data), data[off:end]))
		require.NoError(t, err)
		if done {
			completions++
			file = f
		}
	}

	require.Equal(t, 1, completions)
	assert.True(t, bytes.Equal(data, file.Data))
	assert.Equal(t, "txt", file.Extension)
	assert.Equal(t, "text/plain", file.MimeType)
	assert.Equal(t, 300*time.Millisecond, file.Elapsed)
	assert.InDelta(t, float64(len(data)*8)/1000/0.3, file.Kbps, 0.001)
}

func TestFileContentsWithoutMetadata(t *testing.T) {
	ft := NewFileTransfer(nil)
	_, done, err := ft.Contents(chunk(3, []byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrNotReceiving)
	assert.False(t, done)
	assert.Equal(t, Idle, ft.State())
}

func TestFileMetadataDoesNotResetInFlight(t *testing.T) {
	ft := NewFileTransfer(nil)
	ft.MimeType("application/octet-stream")
	_, _, err := ft.Contents(chunk(MaxFileChunkPayload+1, sequence(MaxFileChunkPayload)))
	require.NoError(t, err)

	ft.Extension("bin")
	f, done, err := ft.Contents(chunk(MaxFileChunkPayload+1, []byte{7}))
	require.NoError(t, err)
	require.True(t, done)
	assert.Len(t, f.Data, MaxFileChunkPayload+1)
	assert.Equal(t, "bin", f.Extension)
	assert.Equal(t, "application/octet-stream", f.MimeType)
}

func TestFileChunkCount(t *testing.T) {
	assert.Equal(t, 0, FileChunkCount(0))
	assert.Equal(t, 1, FileChunkCount(1))
	assert.Equal(t, 1, FileChunkCount(MaxFileChunkPayload))
	assert.Equal(t, 2, FileChunkCount(MaxFileChunkPayload+1))
}

func TestFileOverflow(t *testing.T) {
	ft := NewFileTransfer(nil)
	ft.Extension("bin")

	_, _, err := ft.Contents(chunk(5, []byte{1, 2, 3, 4, 5}))
	require.NoError(t, err)
	assert.Equal(t, Complete, ft.State())

	// Completed transfers ignore stray contents until new metadata arrives.
	_, _, err = ft.Contents(chunk(5, []byte{1}))
	assert.ErrorIs(t, err, ErrNotReceiving)

	ft.Extension("bin")
	_, _, err = ft.Contents(chunk(0, []byte{1}))
	assert.ErrorIs(t, err, ErrTransferOverflow)
	assert.Equal(t, Overflowed, ft.State())
}
