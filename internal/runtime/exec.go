package runtime

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/render"
)

const (
	DefaultBinary       = "sing-box"
	DefaultCheckTimeout = 10 * time.Second
	stopGrace           = 5 * time.Second
	configName          = "config.json"
)

type ExecConfig struct {
	Binary       string        `yaml:"binary"`
	WorkDir      string        `yaml:"work_dir"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

func (c ExecConfig) withDefaults() ExecConfig {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "boxpilot")
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = DefaultCheckTimeout
	}
	return c
}

// Exec runs the engine binary as a child process: "check -c" validates the
// rendered document, then "run -c" serves it until Stop.
type Exec struct {
	cfg ExecConfig
	log *logrus.Entry

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func NewExec(cfg ExecConfig, log logrus.FieldLogger) *Exec {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Exec{cfg: cfg.withDefaults(), log: log.WithField("component", "sing-box")}
}

// ConfigPath is where Start writes the document.
func (x *Exec) ConfigPath() string { return filepath.Join(x.cfg.WorkDir, configName) }

func (x *Exec) Start(ctx context.Context, doc *compiler.Document) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.runningLocked() {
		return ErrAlreadyRunning
	}

	body, err := render.Render(render.TargetJSON, doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(x.cfg.WorkDir, 0o755); err != nil {
		return startError("RUNTIME_WRITE_FAILED", "无法创建工作目录", "", err)
	}
	path := x.ConfigPath()
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return startError("RUNTIME_WRITE_FAILED", "无法写入配置文件", "", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, x.cfg.CheckTimeout)
	defer cancel()
	out, err := exec.CommandContext(checkCtx, x.cfg.Binary, "check", "-c", path).CombinedOutput()
	if err != nil {
		return startError("RUNTIME_CHECK_FAILED", "引擎拒绝了生成的配置", string(out), err)
	}

	// The child outlives ctx; only Stop ends it.
	cmd := exec.Command(x.cfg.Binary, "run", "-c", path)
	cmd.Dir = x.cfg.WorkDir
	stdout := x.log.WriterLevel(logrus.InfoLevel)
	stderr := x.log.WriterLevel(logrus.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return startError("RUNTIME_START_FAILED", "无法启动引擎进程", "", err)
	}

	done := make(chan struct{})
	x.cmd, x.done = cmd, done
	x.log.WithField("pid", cmd.Process.Pid).Info("engine started")
	go func() {
		err := cmd.Wait()
		_ = stdout.Close()
		_ = stderr.Close()
		if err != nil {
			x.log.WithError(err).Warn("engine exited")
		} else {
			x.log.Info("engine exited")
		}
		close(done)
	}()
	return nil
}

// Stop interrupts the engine and waits for it, killing it after a grace
// period.
func (x *Exec) Stop() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.runningLocked() {
		return ErrNotRunning
	}
	cmd, done := x.cmd, x.done
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}
	t := time.NewTimer(stopGrace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		_ = cmd.Process.Kill()
		<-done
	}
	x.cmd, x.done = nil, nil
	return nil
}

func (x *Exec) IsRunning() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.runningLocked()
}

func (x *Exec) runningLocked() bool {
	if x.done == nil {
		return false
	}
	select {
	case <-x.done:
		return false
	default:
		return true
	}
}
