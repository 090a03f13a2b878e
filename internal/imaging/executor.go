package imaging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	// maxLineBytes bounds a single line of tool output.
	maxLineBytes = 1 << 20
	// waitDelay caps how long Wait blocks on output held open by a child
	// after the tool itself was killed.
	waitDelay = 5 * time.Second
)

// Executor runs an external program, handing each line of its combined
// stdout and stderr to onLine.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(string)) error
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return fmt.Errorf("start %s: %w", filepath.Base(binary), err)
	}

	scanned := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		err := scanner.Err()
		// Keep draining after a scan error so Wait can return.
		_, _ = io.Copy(io.Discard, pr)
		scanned <- err
	}()

	waitErr := cmd.Wait()
	_ = pw.Close()
	scanErr := <-scanned

	if waitErr != nil {
		return fmt.Errorf("%s: %w", filepath.Base(binary), waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("read %s output: %w", filepath.Base(binary), scanErr)
	}
	return nil
}
