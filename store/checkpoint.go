package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
)

// Checkpoint is the saved execution state of a thread.
type Checkpoint struct {
	ThreadID  string
	Messages  []llm.Message
	Step      int32
	UpdatedTs int64
}

// CheckpointRecord is a checkpoint as stored by a driver.
type CheckpointRecord struct {
	ThreadID  string
	Data      []byte
	Step      int32
	UpdatedTs int64
}

// GetCheckpoint returns the checkpoint of a thread, or nil if none was saved.
func (s *Store) GetCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	record, err := s.driver.GetCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	messages, err := s.codec.decode(record.Data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	return &Checkpoint{
		ThreadID:  record.ThreadID,
		Messages:  messages,
		Step:      record.Step,
		UpdatedTs: record.UpdatedTs,
	}, nil
}

// SaveCheckpoint replaces the checkpoint of a thread. The step acts as the
// checkpoint version: the write succeeds only if the stored step is still
// expectedStep, or if no checkpoint exists and expectedStep is 0.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint, expectedStep int32) error {
	if checkpoint.Step <= expectedStep {
		return fmt.Errorf("checkpoint %s: step %d does not advance %d", checkpoint.ThreadID, checkpoint.Step, expectedStep)
	}
	data, err := s.codec.encode(checkpoint.Messages)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", checkpoint.ThreadID, err)
	}
	return s.driver.SaveCheckpoint(ctx, &CheckpointRecord{
		ThreadID: checkpoint.ThreadID,
		Data:     data,
		Step:     checkpoint.Step,
	}, expectedStep)
}

// DeleteCheckpoint removes the checkpoint of a thread. Deleting a missing
// checkpoint is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, threadID string) error {
	return s.driver.DeleteCheckpoint(ctx, threadID)
}

// checkpointCodec stores message histories as zstd-compressed JSON.
type checkpointCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func newCheckpointCodec() *checkpointCodec {
	return &checkpointCodec{}
}

func (c *checkpointCodec) setup() error {
	c.once.Do(func() {
		c.encoder, c.err = zstd.NewWriter(nil)
		if c.err != nil {
			return
		}
		c.decoder, c.err = zstd.NewReader(nil)
	})
	return c.err
}

func (c *checkpointCodec) encode(messages []llm.Message) ([]byte, error) {
	if err := c.setup(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

func (c *checkpointCodec) decode(data []byte) ([]llm.Message, error) {
	if err := c.setup(); err != nil {
		return nil, err
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	var messages []llm.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *checkpointCodec) close() {
	if c.decoder != nil {
		c.decoder.Close()
	}
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
}
