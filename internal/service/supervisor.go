// Package service owns the background process lifecycle: detached start,
// PID file bookkeeping, stop with escalation, status reporting, and log
// tailing.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"autoinvest/internal/config"
)

var (
	// ErrAlreadyRunning means start found a live process behind the PID file
	ErrAlreadyRunning = errors.New("service already running")
	// ErrNotRunning means stop/status found no live process
	ErrNotRunning = errors.New("service not running")
)

const stopGracePeriod = 10 * time.Second

// Supervisor manages the detached service process from the CLI side
type Supervisor struct {
	cfg        *config.Config
	configPath string
}

func NewSupervisor(cfg *config.Config, configPath string) *Supervisor {
	return &Supervisor{cfg: cfg, configPath: configPath}
}

// runningProcess returns the live process behind the PID file, nil when
// there is none. A stale PID file is removed on sight.
func (s *Supervisor) runningProcess() (*process.Process, error) {
	pid, err := readPIDFile(s.cfg.Service.PIDFile)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		removePIDFile(s.cfg.Service.PIDFile)
		return nil, nil
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		removePIDFile(s.cfg.Service.PIDFile)
		return nil, nil
	}
	return proc, nil
}

// Start launches the service detached: the binary re-executes itself with
// the run subcommand in a new session, and the parent verifies liveness
// after a short grace period before recording the PID.
func (s *Supervisor) Start() error {
	if proc, err := s.runningProcess(); err != nil {
		return err
	} else if proc != nil {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, proc.Pid)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Service.LogFile), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(s.cfg.Service.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(executable, "run", "--config", s.configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn service: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	// give the child a moment to fail fast on bad credentials
	time.Sleep(1500 * time.Millisecond)
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("service exited immediately, check %s", s.cfg.Service.LogFile)
	}
	if running, err := proc.IsRunning(); err != nil || !running {
		return fmt.Errorf("service exited immediately, check %s", s.cfg.Service.LogFile)
	}

	if err := writePIDFile(s.cfg.Service.PIDFile, pid); err != nil {
		return err
	}
	fmt.Printf("service started (pid %d)\n", pid)
	return nil
}

// Stop terminates the service: SIGTERM first, SIGKILL after the grace
// period, then removes the PID file.
func (s *Supervisor) Stop() error {
	proc, err := s.runningProcess()
	if err != nil {
		return err
	}
	if proc == nil {
		return ErrNotRunning
	}

	if err := proc.SendSignal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", proc.Pid, err)
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if running, _ := proc.IsRunning(); !running {
			removePIDFile(s.cfg.Service.PIDFile)
			fmt.Printf("service stopped (pid %d)\n", proc.Pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	proc.SendSignal(syscall.SIGKILL)
	removePIDFile(s.cfg.Service.PIDFile)
	fmt.Printf("service killed after %s grace period (pid %d)\n", stopGracePeriod, proc.Pid)
	return nil
}

// Restart stops the service if running, then starts it
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.Start()
}

// Status prints the operator view: liveness, resource usage, and the
// service's own status endpoint when reachable.
func (s *Supervisor) Status() error {
	proc, err := s.runningProcess()
	if err != nil {
		return err
	}
	if proc == nil {
		fmt.Println("service: not running")
		return ErrNotRunning
	}

	fmt.Printf("service: running (pid %d)\n", proc.Pid)

	if created, err := proc.CreateTime(); err == nil {
		uptime := time.Since(time.UnixMilli(created)).Round(time.Second)
		fmt.Printf("uptime:  %s\n", uptime)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		fmt.Printf("memory:  %.1f MB\n", float64(mem.RSS)/1024/1024)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		fmt.Printf("cpu:     %.1f%%\n", cpu)
	}

	if status, err := fetchStatus(s.cfg.Service.Port); err == nil {
		fmt.Printf("state:   %s\n", status)
	}
	return nil
}

// Logs prints the last n lines of the log file, optionally following
func (s *Supervisor) Logs(lines int, follow bool) error {
	f, err := os.Open(s.cfg.Service.LogFile)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	if err := printTail(f, lines); err != nil {
		return err
	}
	if !follow {
		return nil
	}

	for {
		time.Sleep(500 * time.Millisecond)
		buf := make([]byte, 64*1024)
		n, err := f.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil && err != io.EOF {
			return err
		}
	}
}

// printTail writes the last n lines of f to stdout and leaves the offset
// at EOF for follow mode
func printTail(f *os.File, n int) error {
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil
	}
	all := strings.Split(text, "\n")
	if len(all) > n {
		all = all[len(all)-n:]
	}
	for _, line := range all {
		fmt.Println(line)
	}
	return nil
}
