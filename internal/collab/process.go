package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"clipflow/internal/model"
	logx "clipflow/pkg/logx"
)

const DefaultTimeout = 10 * time.Minute

const maxStderr = 2000

// Command describes one external program.
type Command struct {
	Path    string
	Args    []string
	Env     []string // appended to the parent environment
	Dir     string
	Timeout time.Duration
}

func (c Command) Configured() bool { return strings.TrimSpace(c.Path) != "" }

// Reply is the JSON document a collaborator prints on stdout.
type Reply struct {
	Success    bool   `json:"success"`
	OutputPath string `json:"outputPath,omitempty"`
	UploadURL  string `json:"uploadUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// call runs cmd with req on stdin and decodes its reply. A reply with
// success=false is returned as an Execution error carrying its message.
func call(ctx context.Context, cmd Command, req any, log logx.Logger) (Reply, error) {
	if !cmd.Configured() {
		return Reply{}, model.Validation("collaborator command is not configured")
	}
	in, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stdin = bytes.NewReader(in)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = time.Second

	start := time.Now()
	runErr := c.Run()
	took := time.Since(start)

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn("collaborator timed out", logx.String("cmd", cmd.Path), logx.Duration("timeout", timeout))
		return Reply{}, model.Execution(fmt.Sprintf("%s timed out after %s", cmd.Path, timeout), ctx.Err())
	}

	rep, parseErr := parseReply(stdout.Bytes())
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if parseErr == nil && rep.Error != "" {
			msg = rep.Error
		}
		if msg == "" {
			msg = runErr.Error()
		}
		log.Warn("collaborator exited with error",
			logx.String("cmd", cmd.Path),
			logx.Duration("took", took),
			logx.String("stderr", truncate(stderr.String(), maxStderr)),
			logx.Err(runErr),
		)
		return Reply{}, model.Execution(truncate(msg, maxStderr), runErr)
	}
	if parseErr != nil {
		return Reply{}, model.Execution(fmt.Sprintf("%s: unreadable reply", cmd.Path), parseErr)
	}
	if !rep.Success {
		msg := rep.Error
		if msg == "" {
			msg = fmt.Sprintf("%s reported failure", cmd.Path)
		}
		return rep, model.Execution(msg, nil)
	}
	log.Debug("collaborator finished", logx.String("cmd", cmd.Path), logx.Duration("took", took))
	return rep, nil
}

func parseReply(out []byte) (Reply, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var rep Reply
		if err := json.Unmarshal(line, &rep); err != nil {
			return Reply{}, err
		}
		return rep, nil
	}
	return Reply{}, errors.New("empty output")
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
