package worker

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-indexer/internal/service"
)

func TestMessageMarshal(t *testing.T) {
	line, err := Message{Kind: KindStop}.Marshal()
	require.NoError(t, err)
	assert.Equal(t, "STOP:{}", string(line))

	line, err = Message{Kind: KindTask, Task: &service.Assignment{
		Contract: "0xabc",
		Chunk:    2,
		KeyRange: service.KeyRange{After: "0x01", Upto: "0x02"},
	}}.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `TASK:{"contract":"0xabc","chunk":2,"after":"0x01","upto":"0x02"}`, string(line))
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		kind    Kind
		ok      bool
		wantErr bool
	}{
		{name: "task", line: `TASK:{"contract":"0xabc","chunk":1,"after":"","upto":"0x05"}`, kind: KindTask, ok: true},
		{name: "progress", line: `PROGRESS:{"processed":10,"enriched":9,"notFound":1}`, kind: KindProgress, ok: true},
		{name: "result with error", line: `RESULT:{"stats":{"processed":1},"error":"boom"}`, kind: KindResult, ok: true},
		{name: "stop", line: "STOP:{}\n", kind: KindStop, ok: true},
		{name: "log noise", line: `{"level":"info","msg":"Processing enrichment chunk"}`},
		{name: "plain text", line: "starting up"},
		{name: "unknown prefix", line: "HELLO:{}"},
		{name: "bad payload", line: "PROGRESS:{not json", ok: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok, err := ParseLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.kind, msg.Kind)
			}
		})
	}

	msg, _, _ := ParseLine(`RESULT:{"stats":{"processed":3,"enriched":2,"skipped":1},"error":"boom"}`)
	assert.Equal(t, service.ChunkStats{Processed: 3, Enriched: 2, Skipped: 1}, msg.Result.Stats)
	assert.Equal(t, "boom", msg.Result.Error)
}

// countingProcessor settles every hash of a task in n steps
type countingProcessor struct {
	steps int
	block bool
}

func (p *countingProcessor) ProcessRange(ctx context.Context, contract string, rng service.KeyRange, progress func(service.ChunkStats)) (service.ChunkStats, error) {
	var s service.ChunkStats
	for i := 0; i < p.steps; i++ {
		s.Processed++
		s.Enriched++
		progress(s)
	}
	if p.block {
		<-ctx.Done()
		return s, ctx.Err()
	}
	return s, nil
}

func TestServe(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), inR, outW, &countingProcessor{steps: 2})
		_ = outW.Close()
	}()

	enc := NewEncoder(inW)
	require.NoError(t, enc.Encode(Message{Kind: KindTask, Task: &service.Assignment{Contract: "0xabc"}}))

	lines := bufio.NewScanner(outR)
	var kinds []Kind
	var result *Result
	for lines.Scan() {
		msg, ok, err := ParseLine(lines.Text())
		require.NoError(t, err)
		require.True(t, ok)
		kinds = append(kinds, msg.Kind)
		if msg.Kind == KindResult {
			result = msg.Result
			break
		}
	}
	assert.Equal(t, []Kind{KindProgress, KindProgress, KindResult}, kinds)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Stats.Enriched)
	assert.Empty(t, result.Error)

	go func() { _, _ = io.Copy(io.Discard, outR) }()
	require.NoError(t, enc.Encode(Message{Kind: KindStop}))
	_ = inW.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after STOP")
	}
}

func TestServeStopCancelsRunningTask(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, outR) }()

	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), inR, outW, &countingProcessor{steps: 1, block: true})
	}()

	enc := NewEncoder(inW)
	require.NoError(t, enc.Encode(Message{Kind: KindTask, Task: &service.Assignment{Contract: "0xabc"}}))
	require.NoError(t, enc.Encode(Message{Kind: KindStop}))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after STOP")
	}
}
