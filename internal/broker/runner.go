package broker

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// RunResult is what a Runner captured from one process.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner starts one process and waits for it. A non-nil error means the
// process could not be started at all.
type Runner interface {
	Run(argv []string, stdin string, onLine func(string)) (RunResult, error)
}

// ExecRunner runs processes with os/exec. It takes no context:
// once started, a privileged command runs to completion.
type ExecRunner struct{}

func (ExecRunner) Run(argv []string, stdin string, onLine func(string)) (RunResult, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return RunResult{}, err
	}

	var (
		mu             sync.Mutex
		wg             sync.WaitGroup
		stdout, stderr bytes.Buffer
	)
	collect := func(r io.Reader, buf *bytes.Buffer) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			if onLine != nil {
				onLine(line)
			}
			mu.Unlock()
		}
	}
	wg.Add(2)
	go collect(stdoutPipe, &stdout)
	go collect(stderrPipe, &stderr)
	wg.Wait()

	res := RunResult{ExitCode: 0}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return RunResult{}, err
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}
