package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/service"
)

// maxLineSize bounds one protocol line read from a pipe
const maxLineSize = 1 << 20

// ErrWorkerExited is returned when a sub-worker closes stdout before
// reporting a result
var ErrWorkerExited = errors.New("enrich worker exited without a result")

// SubprocessRunner runs each assignment in a fresh enrich-worker process
type SubprocessRunner struct {
	Binary      string
	Args        []string
	Env         []string
	GracePeriod time.Duration
}

// NewSubprocessRunner creates a runner for the given worker binary
func NewSubprocessRunner(binary string, grace time.Duration, args ...string) *SubprocessRunner {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &SubprocessRunner{Binary: binary, Args: args, GracePeriod: grace}
}

// Run implements service.Runner. Cancelling ctx stops the process: STOP is
// written, stdin is closed, and the process is killed after GracePeriod.
func (r *SubprocessRunner) Run(ctx context.Context, a service.Assignment, progress func(service.ChunkStats)) (service.ChunkStats, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": a.Contract,
		"chunk":    a.Chunk,
	})

	cmd := exec.Command(r.Binary, r.Args...)
	cmd.Stderr = os.Stderr
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return service.ChunkStats{}, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return service.ChunkStats{}, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return service.ChunkStats{}, fmt.Errorf("failed to start enrich worker: %w", err)
	}
	logger.WithField("pid", cmd.Process.Pid).Debug("Enrich worker started")

	results := make(chan Result, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		r.readOutput(ctx, stdout, progress, results)
	}()

	enc := NewEncoder(stdin)
	if err := enc.Encode(Message{Kind: KindTask, Task: &a}); err != nil {
		r.shutdown(ctx, cmd, enc, stdin, readDone)
		return service.ChunkStats{}, fmt.Errorf("failed to send task: %w", errors.Join(ErrWorkerExited, err))
	}

	var (
		res    Result
		runErr error
	)
	select {
	case res = <-results:
		if res.Error != "" {
			runErr = errors.New(res.Error)
		}
	case <-readDone:
		select {
		case res = <-results:
			if res.Error != "" {
				runErr = errors.New(res.Error)
			}
		default:
			runErr = ErrWorkerExited
		}
	case <-ctx.Done():
		runErr = ctx.Err()
	}

	r.shutdown(ctx, cmd, enc, stdin, readDone)
	return res.Stats, runErr
}

func (r *SubprocessRunner) readOutput(ctx context.Context, stdout io.Reader, progress func(service.ChunkStats), results chan<- Result) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		msg, ok, err := ParseLine(scanner.Text())
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Bad line from enrich worker")
			continue
		}
		if !ok {
			continue
		}
		switch msg.Kind {
		case KindProgress:
			if progress != nil {
				progress(*msg.Progress)
			}
		case KindResult:
			select {
			case results <- *msg.Result:
			default:
			}
		}
	}
}

// shutdown asks the worker to stop and kills it when it does not exit in time
func (r *SubprocessRunner) shutdown(ctx context.Context, cmd *exec.Cmd, enc *Encoder, stdin io.Closer, readDone <-chan struct{}) {
	_ = enc.Encode(Message{Kind: KindStop})
	_ = stdin.Close()

	timer := time.NewTimer(r.GracePeriod)
	defer timer.Stop()
	select {
	case <-readDone:
	case <-timer.C:
		logging.FromContext(ctx).WithField("pid", cmd.Process.Pid).Warn("Enrich worker ignored STOP, killing")
		_ = cmd.Process.Kill()
		<-readDone
	}
	_ = cmd.Wait()
}

// ChunkProcessor enriches one key range
type ChunkProcessor interface {
	ProcessRange(ctx context.Context, contract string, rng service.KeyRange, progress func(service.ChunkStats)) (service.ChunkStats, error)
}

// Serve is the sub-worker side of the protocol. It runs TASK lines one at a
// time and returns when STOP arrives or stdin is closed.
func Serve(ctx context.Context, in io.Reader, out io.Writer, p ChunkProcessor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	enc := NewEncoder(out)
	tasks := make(chan service.Assignment, 1)

	go func() {
		defer close(tasks)
		defer cancel()
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			msg, ok, err := ParseLine(scanner.Text())
			if err != nil {
				logging.FromContext(ctx).WithError(err).Warn("Bad line from coordinator")
				continue
			}
			if !ok {
				continue
			}
			switch msg.Kind {
			case KindStop:
				return
			case KindTask:
				select {
				case tasks <- *msg.Task:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for a := range tasks {
		logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
			"contract": a.Contract,
			"chunk":    a.Chunk,
		})
		logger.Info("Processing enrichment chunk")

		stats, err := p.ProcessRange(ctx, a.Contract, a.KeyRange, func(s service.ChunkStats) {
			if err := enc.Encode(Message{Kind: KindProgress, Progress: &s}); err != nil {
				logger.WithError(err).Warn("Failed to report progress")
			}
		})
		res := &Result{Stats: stats}
		if err != nil {
			res.Error = err.Error()
		}
		if err := enc.Encode(Message{Kind: KindResult, Result: res}); err != nil {
			return fmt.Errorf("failed to report result: %w", err)
		}
	}
	return nil
}
