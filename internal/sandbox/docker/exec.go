package docker

import (
	"context"
	"io"
	"sync"

	"github.com/docker/docker/pkg/stdcopy"
)

// execHandle streams one long-running exec. The engine multiplexes stdout
// and stderr over a single attach stream; a demux goroutine splits them
// into pipes. Both pipes must be drained or the demux stalls.
type execHandle struct {
	inst    *Instance
	execID  string
	pidPath string
	attach  *Attach

	stdout *io.PipeReader
	stderr *io.PipeReader
	done   chan struct{}

	killOnce sync.Once
}

func newExecHandle(inst *Instance, execID, pidPath string, attach *Attach) *execHandle {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	h := &execHandle{
		inst:    inst,
		execID:  execID,
		pidPath: pidPath,
		attach:  attach,
		stdout:  outR,
		stderr:  errR,
		done:    make(chan struct{}),
	}
	go h.demux(outW, errW)
	return h
}

func (h *execHandle) demux(outW, errW *io.PipeWriter) {
	_, err := stdcopy.StdCopy(outW, errW, h.attach.Reader)
	// A nil error closes the pipes with plain EOF.
	outW.CloseWithError(err)
	errW.CloseWithError(err)
	h.attach.Close()
	close(h.done)
}

// Stdout is the demultiplexed stdout stream.
func (h *execHandle) Stdout() io.Reader { return h.stdout }

// Stderr is the demultiplexed stderr stream.
func (h *execHandle) Stderr() io.Reader { return h.stderr }

// Wait blocks until the process exits and returns its exit code. A kill
// surfaces here as the wrapper's signal exit code.
func (h *execHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-h.done:
	}
	return h.inst.waitExec(ctx, h.execID)
}

// Kill force-terminates the process via its recorded pid and severs the
// attach stream. Safe to call more than once.
func (h *execHandle) Kill(ctx context.Context) error {
	var err error
	h.killOnce.Do(func() {
		err = h.inst.killExec(ctx, h.pidPath)
		h.attach.Close()
	})
	return err
}
