package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// PathPlaceholder in CommandCapturer.Args is replaced by the output file.
const PathPlaceholder = "{path}"

const defaultStopGrace = 3 * time.Second

// CommandCapturer records by running an external recorder (arecord, sox,
// ffmpeg) that writes to the file named in its arguments and finishes the
// file when interrupted.
type CommandCapturer struct {
	Command string
	Args    []string
	// StopGrace is how long Stop waits after SIGINT before killing.
	StopGrace time.Duration
}

// Start launches the recorder. The process outlives ctx; only Stop ends it.
func (c CommandCapturer) Start(_ context.Context, path string) (Capture, error) {
	bin, err := exec.LookPath(c.Command)
	if err != nil {
		return nil, fmt.Errorf("recorder %q not found: %w", c.Command, err)
	}
	args := make([]string, len(c.Args))
	replaced := false
	for i, a := range c.Args {
		if strings.Contains(a, PathPlaceholder) {
			replaced = true
		}
		args[i] = strings.ReplaceAll(a, PathPlaceholder, path)
	}
	if !replaced {
		args = append(args, path)
	}

	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder: %w", err)
	}

	grace := c.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	p := &processCapture{cmd: cmd, grace: grace, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type processCapture struct {
	cmd     *exec.Cmd
	grace   time.Duration
	done    chan struct{}
	waitErr error
	once    sync.Once
	stopErr error
}

func (p *processCapture) Stop() error {
	p.once.Do(func() { p.stopErr = p.stop() })
	return p.stopErr
}

func (p *processCapture) stop() error {
	select {
	case <-p.done:
		// Exited on its own before we asked.
		return p.exitError()
	default:
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("interrupt recorder: %w", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		// An interrupted recorder exits non-zero; that is the normal stop path.
		return nil
	case <-timer.C:
		_ = p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("recorder did not exit within %v, killed", p.grace)
	}
}

func (p *processCapture) exitError() error {
	if p.waitErr == nil {
		return nil
	}
	return fmt.Errorf("recorder exited early: %w", p.waitErr)
}
