package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roborun/roborun/internal/model"
)

// ChunkStore is the durable log storage collaborator.
type ChunkStore interface {
	AppendChunk(ctx context.Context, chunk model.LogChunk) error
	Chunks(ctx context.Context, runID string, fromSeq int64) ([]model.LogChunk, error)
	NextChunkSeq(ctx context.Context, runID string) (int64, error)
}

// LogSink assigns monotonic per-run sequence numbers and writes chunks
// through to durable storage. Appends for different runs proceed
// independently; appends for the same run are serialized.
type LogSink struct {
	store ChunkStore

	mu   sync.Mutex
	runs map[string]*runLog
}

type runLog struct {
	mu   sync.Mutex
	next int64
	init bool
}

func NewLogSink(store ChunkStore) *LogSink {
	return &LogSink{
		store: store,
		runs:  make(map[string]*runLog),
	}
}

func (s *LogSink) runLog(runID string) *runLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.runs[runID]
	if !ok {
		rl = &runLog{}
		s.runs[runID] = rl
	}
	return rl
}

// Append stores one line and returns its sequence number. The sequence is
// advanced only after the chunk is durably stored, so a failed append does
// not create a gap.
func (s *LogSink) Append(ctx context.Context, runID, stream, line string) (int64, error) {
	rl := s.runLog(runID)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.init {
		next, err := s.store.NextChunkSeq(ctx, runID)
		if err != nil {
			return 0, err
		}
		rl.next = next
		rl.init = true
	}

	chunk := model.LogChunk{
		RunID:  runID,
		Seq:    rl.next,
		TS:     time.Now().UTC(),
		Stream: stream,
		Line:   line,
	}
	if err := s.store.AppendChunk(ctx, chunk); err != nil {
		return 0, err
	}
	rl.next++
	return chunk.Seq, nil
}

// Tail returns all chunks with seq >= fromSeq, in order. Polling
// semantics: callers re-issue Tail to observe newly appended chunks, the
// sink keeps no subscriber state.
func (s *LogSink) Tail(ctx context.Context, runID string, fromSeq int64) ([]model.LogChunk, error) {
	return s.store.Chunks(ctx, runID, fromSeq)
}

// Forget drops the in-memory counter of a finished run.
func (s *LogSink) Forget(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}
