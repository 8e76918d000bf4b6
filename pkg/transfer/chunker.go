package transfer

import (
	"errors"
	"fmt"

	"github.com/rescp17/dropmesh/pkg/concurrency"
)

var ErrInvalidChunker = errors.New("chunk size and partition size must be positive")

// Chunker splits a File into chunks and groups them into partitions.
// Every chunk is handed to onChunk; when a partition fills up before the
// end of the file, onPartitionEnd receives the new offset and the
// Chunker stops until NextPartition is called again.
type Chunker struct {
	file           *File
	chunkSize      int64
	partitionSize  int64
	offset         int64
	partitionRead  int64
	onChunk        func(chunk []byte) error
	onPartitionEnd func(offset int64) error
	guard          *concurrency.Guard
}

func NewChunker(file *File, chunkSize int, partitionSize int64, onChunk func([]byte) error, onPartitionEnd func(int64) error) (*Chunker, error) {
	if chunkSize <= 0 || partitionSize <= 0 {
		return nil, ErrInvalidChunker
	}
	if file.Size > 0 && file.Content == nil {
		return nil, fmt.Errorf("file %q has no content", file.Name)
	}
	return &Chunker{
		file:           file,
		chunkSize:      int64(chunkSize),
		partitionSize:  partitionSize,
		onChunk:        onChunk,
		onPartitionEnd: onPartitionEnd,
		guard:          concurrency.NewGuard(),
	}, nil
}

// NextPartition emits the next partition. A call made while another one
// is still running returns concurrency.ErrBusy.
func (c *Chunker) NextPartition() error {
	return c.guard.Execute(c.readPartition)
}

// RepeatPartition rewinds over the last partition and emits it again.
func (c *Chunker) RepeatPartition() error {
	return c.guard.Execute(func() error {
		c.offset -= c.partitionRead
		return c.readPartition()
	})
}

func (c *Chunker) readPartition() error {
	c.partitionRead = 0
	for !c.IsFileEnd() && c.partitionRead < c.partitionSize {
		n := min(c.chunkSize, c.file.Size-c.offset)
		chunk := make([]byte, n)
		read, err := c.file.Content.ReadAt(chunk, c.offset)
		if int64(read) != n {
			return fmt.Errorf("reading %s at offset %d: %w", c.file.Name, c.offset, err)
		}
		c.offset += n
		c.partitionRead += n
		if err := c.onChunk(chunk); err != nil {
			return err
		}
	}
	if !c.IsFileEnd() {
		return c.onPartitionEnd(c.offset)
	}
	return nil
}

// Offset returns the number of bytes emitted so far.
func (c *Chunker) Offset() int64 {
	return c.offset
}

func (c *Chunker) IsFileEnd() bool {
	return c.offset >= c.file.Size
}

func (c *Chunker) Progress() float64 {
	if c.file.Size == 0 {
		return 1
	}
	return float64(c.offset) / float64(c.file.Size)
}
