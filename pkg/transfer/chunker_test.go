package transfer

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/rescp17/dropmesh/pkg/concurrency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFile creates an in-memory File with random content.
func newTestFile(tb testing.TB, name string, size int) (*File, []byte) {
	tb.Helper()

	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(tb, err)

	return &File{
		Name:    name,
		MIME:    "application/pdf",
		Size:    int64(size),
		Content: bytes.NewReader(content),
	}, content
}

func TestChunker_RoundTripThroughDigester(t *testing.T) {
	testCases := []struct {
		size          int
		chunkSize     int
		partitionSize int64
	}{
		{size: 1, chunkSize: 1, partitionSize: 1},
		{size: 100, chunkSize: 7, partitionSize: 20},
		{size: 100, chunkSize: 10, partitionSize: 10},
		{size: 100, chunkSize: 64, partitionSize: 10},
		{size: 4096, chunkSize: 1000, partitionSize: 1 << 20},
		{size: 250000, chunkSize: 64000, partitionSize: 100000},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("size=%d/chunk=%d/partition=%d", tc.size, tc.chunkSize, tc.partitionSize), func(t *testing.T) {
			file, content := newTestFile(t, "data.bin", tc.size)
			digester := NewDigester(Header{Name: file.Name, MIME: file.MIME, Size: file.Size})

			var boundaries []int64
			chunker, err := NewChunker(file, tc.chunkSize, tc.partitionSize,
				func(chunk []byte) error {
					assert.LessOrEqual(t, len(chunk), tc.chunkSize)
					return digester.Unchunk(chunk)
				},
				func(offset int64) error {
					boundaries = append(boundaries, offset)
					return nil
				})
			require.NoError(t, err)

			for !chunker.IsFileEnd() {
				require.NoError(t, chunker.NextPartition())
			}

			blob, err := digester.Result()
			require.NoError(t, err)
			assert.Equal(t, content, blob.Data)
			assert.Equal(t, "application/pdf", blob.MIME)
			assert.Equal(t, 1.0, chunker.Progress())
			assert.Equal(t, 1.0, digester.Progress())

			for i, offset := range boundaries {
				assert.Less(t, offset, file.Size, "boundary %d must precede end of file", i)
				if i > 0 {
					assert.Greater(t, offset, boundaries[i-1])
				}
			}
		})
	}
}

func TestChunker_ScenarioPartitions(t *testing.T) {
	file, _ := newTestFile(t, "report.pdf", 2500000)

	var chunks int
	var boundaries []int64
	chunker, err := NewChunker(file, DefaultChunkSize, DefaultPartitionSize,
		func(chunk []byte) error { chunks++; return nil },
		func(offset int64) error { boundaries = append(boundaries, offset); return nil })
	require.NoError(t, err)

	partitions := 0
	for !chunker.IsFileEnd() {
		require.NoError(t, chunker.NextPartition())
		partitions++
	}

	assert.Equal(t, 3, partitions)
	assert.Equal(t, []int64{1024000, 2048000}, boundaries)
	assert.Equal(t, 40, chunks)
}

func TestChunker_ZeroByteFile(t *testing.T) {
	file := &File{Name: "empty.txt", Size: 0}

	called := false
	chunker, err := NewChunker(file, DefaultChunkSize, DefaultPartitionSize,
		func([]byte) error { called = true; return nil },
		func(int64) error { called = true; return nil })
	require.NoError(t, err)

	assert.True(t, chunker.IsFileEnd())
	assert.Equal(t, 1.0, chunker.Progress())
	require.NoError(t, chunker.NextPartition())
	assert.False(t, called)
}

func TestChunker_OverlappingNextPartitionFailsFast(t *testing.T) {
	file, _ := newTestFile(t, "data.bin", 100)

	var chunker *Chunker
	var nested error
	chunker, err := NewChunker(file, 10, 50,
		func([]byte) error {
			if nested == nil {
				nested = chunker.NextPartition()
			}
			return nil
		},
		func(int64) error { return nil })
	require.NoError(t, err)

	require.NoError(t, chunker.NextPartition())
	assert.ErrorIs(t, nested, concurrency.ErrBusy)
	assert.Equal(t, int64(50), chunker.Offset())
}

func TestChunker_RepeatPartition(t *testing.T) {
	file, content := newTestFile(t, "data.bin", 100)

	var emitted [][]byte
	chunker, err := NewChunker(file, 10, 30,
		func(chunk []byte) error { emitted = append(emitted, chunk); return nil },
		func(int64) error { return nil })
	require.NoError(t, err)

	require.NoError(t, chunker.NextPartition())
	require.NoError(t, chunker.NextPartition())
	assert.Equal(t, int64(60), chunker.Offset())

	emitted = nil
	require.NoError(t, chunker.RepeatPartition())
	assert.Equal(t, int64(60), chunker.Offset())
	require.Len(t, emitted, 3)
	assert.Equal(t, content[30:40], emitted[0])
}

func TestChunker_CallbackErrorStopsPartition(t *testing.T) {
	file, _ := newTestFile(t, "data.bin", 100)
	sendErr := fmt.Errorf("channel closed")

	chunker, err := NewChunker(file, 10, 100,
		func([]byte) error { return sendErr },
		func(int64) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, chunker.NextPartition(), sendErr)
	assert.Equal(t, int64(10), chunker.Offset())
}

func TestNewChunker_InvalidSizes(t *testing.T) {
	file, _ := newTestFile(t, "data.bin", 10)
	noop := func([]byte) error { return nil }
	boundary := func(int64) error { return nil }

	_, err := NewChunker(file, 0, 10, noop, boundary)
	assert.ErrorIs(t, err, ErrInvalidChunker)

	_, err = NewChunker(file, 10, 0, noop, boundary)
	assert.ErrorIs(t, err, ErrInvalidChunker)

	_, err = NewChunker(&File{Name: "x", Size: 10}, 10, 10, noop, boundary)
	assert.Error(t, err)
}
