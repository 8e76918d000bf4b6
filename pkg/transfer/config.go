package transfer

import (
	"errors"
)

// Config holds the tunables of the chunked transfer protocol.
type Config struct {
	// ChunkSize is the payload size of one binary frame.
	ChunkSize int `json:"chunk_size"`
	// PartitionSize is the number of bytes the sender may emit before it
	// has to wait for a partition-received acknowledgement.
	PartitionSize int64 `json:"partition_size"`
	// ProgressStep is the minimum progress delta the receiver waits for
	// before reporting progress back to the sender.
	ProgressStep float64 `json:"progress_step"`
}

const (
	DefaultChunkSize     = 64000
	MaxChunkSize         = 256 * 1024
	MinChunkSize         = 1024
	DefaultPartitionSize = 1000000
	DefaultProgressStep  = 0.01
	DefaultMIMEType      = "application/octet-stream"
)

// DefaultConfig returns the configuration browsers use on the other end
// of the data channel.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     DefaultChunkSize,
		PartitionSize: DefaultPartitionSize,
		ProgressStep:  DefaultProgressStep,
	}
}

// Validate checks if the configuration values are valid
func (c Config) Validate() error {
	if c.ChunkSize < MinChunkSize {
		return errors.New("chunk_size cannot be less than min_chunk_size")
	}
	if c.ChunkSize > MaxChunkSize {
		return errors.New("chunk_size cannot be greater than max_chunk_size")
	}
	if c.PartitionSize < int64(c.ChunkSize) {
		return errors.New("partition_size cannot be less than chunk_size")
	}
	if c.ProgressStep <= 0 || c.ProgressStep > 1 {
		return errors.New("progress_step must be in (0, 1]")
	}
	return nil
}

// withDefaults fills zero fields so a zero Config behaves like DefaultConfig.
func (c Config) withDefaults() Config {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.PartitionSize == 0 {
		c.PartitionSize = DefaultPartitionSize
	}
	if c.ProgressStep == 0 {
		c.ProgressStep = DefaultProgressStep
	}
	return c
}
