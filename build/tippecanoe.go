package build

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Runner runs the tile generator with an argument list.
type Runner interface {
	Run(ctx context.Context, args []string) error
}

// Tippecanoe runs the tippecanoe binary.
type Tippecanoe struct {
	// Path is the binary name or path; empty means "tippecanoe" on PATH.
	Path   string
	Logger *zap.Logger
}

const stderrTail = 20

func (t Tippecanoe) binary() string {
	if t.Path == "" {
		return "tippecanoe"
	}
	return t.Path
}

// Available reports whether the binary can be found.
func (t Tippecanoe) Available() bool {
	_, err := exec.LookPath(t.binary())
	return err == nil
}

// Run starts tippecanoe and waits for it. Its stderr is logged line by line
// at debug level and the last lines are attached to the error of a failed run.
func (t Tippecanoe) Run(ctx context.Context, args []string) error {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cmd := exec.CommandContext(ctx, t.binary(), args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", t.binary(), err)
	}

	// stderr must be drained before Wait
	var tail []string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		logger.Debug("tippecanoe", zap.String("line", line))
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	io.Copy(io.Discard, stderr)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(tail) > 0 {
			return fmt.Errorf("%s: %w: %s", t.binary(), err, strings.Join(tail, "\n"))
		}
		return fmt.Errorf("%s: %w", t.binary(), err)
	}
	return nil
}
