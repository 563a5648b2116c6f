package code

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	manta "github.com/rheza/manta"
)

// fileSentinel marks stdout lines that declare an explicitly produced file.
// The preamble's register_output() helper emits these; the executor strips
// them from user-visible stdout and unions the paths into the change set.
const fileSentinel = "##MANTA_FILE##"

// shellDenylist rejects shell commands before execution. This is defense in
// depth, not a security perimeter; confinement comes from the workdir and
// process isolation.
var shellDenylist = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"process_elevation", regexp.MustCompile(`(^|[\s;|&])(sudo|su|doas)(\s|$)`)},
	{"package_install", regexp.MustCompile(`(^|[\s;|&])(apt|apt-get|yum|dnf|pacman|brew)\s+(install|remove|upgrade)|pip3?\s+install|npm\s+(install|i)(\s|$)`)},
	{"remote_shell", regexp.MustCompile(`(^|[\s;|&])(ssh|telnet|nc|ncat|socat)(\s|$)`)},
	{"delete_outside_workdir", regexp.MustCompile(`rm\s+(-[a-zA-Z]+\s+)*(/|~|\.\.)`)},
	{"network_mutation", regexp.MustCompile(`(^|[\s;|&])(iptables|ip6tables|ifconfig|route|nft)(\s|$)`)},
	{"system_control", regexp.MustCompile(`(^|[\s;|&])(shutdown|reboot|halt|poweroff|mkfs|dd)(\s|$)`)},
	{"pipe_to_shell", regexp.MustCompile(`\|\s*(ba|z|da)?sh(\s|$)`)},
}

// codeDenylist rejects Python source that tries to shell out or escape.
var codeDenylist = []struct {
	rule string
	re   *regexp.Regexp
}{
	{"shell_escape", regexp.MustCompile(`os\.system\s*\(`)},
	{"subprocess_escape", regexp.MustCompile(`subprocess\.(Popen|run|call|check_output|check_call)\s*\(`)},
	{"workdir_escape", regexp.MustCompile(`(open|Path)\s*\(\s*['"](/etc|/root|/home|\.\./)`)},
}

// ExecResult carries everything observed from one subprocess run.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// ChangedFiles is the change set: workdir-relative files created or
	// overwritten during execution, unioned with sentinel-declared paths.
	ChangedFiles []string
}

// Executor runs model-supplied code and shell commands confined to a
// conversation working directory. Safe for concurrent use; each run is an
// independent subprocess.
type Executor struct {
	pythonBin string
	shellBin  string
	cfg       execConfig
}

// NewExecutor creates an Executor using the given Python interpreter
// ("python3" when empty) and /bin/sh for shell commands.
func NewExecutor(pythonBin string, opts ...Option) *Executor {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Executor{pythonBin: pythonBin, shellBin: "/bin/sh", cfg: cfg}
}

// ExecuteCode runs Python source inside workdir. The environment preamble is
// injected after the source's leading imports; see preamble.go.
func (e *Executor) ExecuteCode(ctx context.Context, source, convID, workdir string, timeout time.Duration) (ExecResult, error) {
	for _, d := range codeDenylist {
		if d.re.MatchString(source) {
			return ExecResult{}, &manta.ExecError{Kind: manta.ExecForbiddenCommand, Rule: d.rule}
		}
	}

	script := injectPreamble(source, buildPreamble(convID))

	tmp, err := os.CreateTemp("", "manta-code-*.py")
	if err != nil {
		return ExecResult{}, &manta.ExecError{Kind: manta.ExecInternal, Detail: "create temp script: " + err.Error()}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(script); err != nil {
		tmp.Close()
		return ExecResult{}, &manta.ExecError{Kind: manta.ExecInternal, Detail: "write temp script: " + err.Error()}
	}
	tmp.Close()

	return e.run(ctx, convID, workdir, timeout, e.pythonBin, tmp.Name())
}

// ExecuteShell runs a shell command inside workdir after the denylist check.
func (e *Executor) ExecuteShell(ctx context.Context, command, convID, workdir string, timeout time.Duration) (ExecResult, error) {
	for _, d := range shellDenylist {
		if d.re.MatchString(command) {
			return ExecResult{}, &manta.ExecError{Kind: manta.ExecForbiddenCommand, Rule: d.rule}
		}
	}
	return e.run(ctx, convID, workdir, timeout, e.shellBin, "-c", command)
}

// run launches the subprocess and collects streams, exit status, and the
// change set. Timeouts signal first and kill after the grace window; partial
// output and the change set are still returned.
func (e *Executor) run(ctx context.Context, convID, workdir string, timeout time.Duration, bin string, args ...string) (ExecResult, error) {
	if timeout <= 0 {
		timeout = e.cfg.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return ExecResult{}, &manta.ExecError{Kind: manta.ExecInternal, Detail: "workdir: " + err.Error()}
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workdir
	cmd.Env = e.buildEnv(convID, workdir)
	// Signal first; kill after the grace window if the process lingers.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.cfg.grace

	stdout := &capWriter{max: e.cfg.maxStream}
	stderr := &capWriter{max: e.cfg.maxStream}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	out, sentinelFiles := extractSentinels(stdout.String())
	changed := manta.UnionFiles(manta.ChangedFiles(workdir, start), sentinelFiles)

	res := ExecResult{
		Stdout:       out,
		Stderr:       stderr.String(),
		Duration:     duration,
		ChangedFiles: changed,
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, &manta.ExecError{Kind: manta.ExecTimeout,
			Detail: fmt.Sprintf("execution timed out after %s", timeout)}
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, &manta.ExecError{Kind: manta.ExecNonZeroExit,
				ExitCode: res.ExitCode, Detail: stderrTail(res.Stderr)}
		}
		res.ExitCode = -1
		return res, &manta.ExecError{Kind: manta.ExecInternal, Detail: runErr.Error()}
	}
	return res, nil
}

// buildEnv constructs a minimal subprocess environment plus the conversation
// identity the preamble exposes to downstream libraries.
func (e *Executor) buildEnv(convID, workdir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"MANTA_CONVERSATION_ID=" + convID,
		"MANTA_WORKDIR=" + workdir,
	}
	for k, v := range e.cfg.envVars {
		env = append(env, k+"="+v)
	}
	return env
}

// extractSentinels splits sentinel lines out of stdout, returning the
// cleaned output and the declared file paths.
func extractSentinels(stdout string) (string, []string) {
	if !strings.Contains(stdout, fileSentinel) {
		return stdout, nil
	}
	var files []string
	var b strings.Builder
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 2<<20)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), fileSentinel); ok {
			if name := strings.TrimSpace(rest); name != "" {
				files = append(files, name)
			}
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), files
}

// stderrTail returns the last few lines of stderr for error summaries.
func stderrTail(stderr string) string {
	const maxTail = 2000
	s := strings.TrimRight(stderr, "\n")
	if len(s) <= maxTail {
		return s
	}
	return "..." + s[len(s)-maxTail:]
}

// capWriter caps captured bytes, appending a truncation marker once the
// limit is hit. Write never errors so the subprocess keeps running.
type capWriter struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.max {
		remaining := w.max - w.buf.Len()
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
			w.truncated = true
		} else {
			w.buf.Write(p)
		}
	} else {
		w.truncated = true
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	if w.truncated {
		return w.buf.String() + "\n... (truncated)"
	}
	return w.buf.String()
}
