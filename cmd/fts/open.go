package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/fts/internal/auth"
	"github.com/danmuck/fts/internal/server"
	"github.com/rs/zerolog/log"
)

// envDetached marks the background child of `fts open --detach`.
const envDetached = "FTS_DETACHED"

type OpenCmd struct {
	Listen      string `short:"l" placeholder:"ADDR" help:"Listen address (default from config)."`
	MaxSessions int    `short:"n" help:"Concurrent sessions (default from config)."`
	Admin       string `placeholder:"ADDR" help:"Loopback admin address (default from config)."`
	Detach      bool   `short:"d" help:"Run in the background; stop it with 'fts close'."`
}

func (c *OpenCmd) Run(a *app) error {
	if c.Detach && os.Getenv(envDetached) == "" {
		return c.detach(a)
	}

	scfg := a.cfg.ServerConfig()
	if c.Listen != "" {
		scfg.ListenAddr = c.Listen
	}
	if c.MaxSessions > 0 {
		scfg.MaxSessions = c.MaxSessions
	}
	adminAddr := a.cfg.AdminListen
	if c.Admin != "" {
		adminAddr = c.Admin
	}
	if err := os.MkdirAll(scfg.Transfer.DownloadDir, 0o755); err != nil {
		return err
	}

	statePath := a.cfg.DetachFile()
	if st, err := server.ReadDetachState(statePath); err == nil && processAlive(st.PID) {
		return fmt.Errorf("a server is already running (pid %d, listening on %s)", st.PID, st.ListenAddr)
	}

	deps, err := a.deps(context.Background())
	if err != nil {
		return err
	}
	h, err := server.Open(scfg, deps)
	if err != nil {
		return err
	}

	token := auth.NewToken()
	admin := server.NewAdminServer(h, token)
	bound, err := admin.Start(adminAddr)
	if err != nil {
		_, _ = h.Close(0)
		return err
	}
	st := server.DetachState{
		PID:        os.Getpid(),
		ListenAddr: h.Addr().String(),
		AdminAddr:  bound.String(),
		Token:      token,
		Started:    time.Now().UTC(),
	}
	if err := server.WriteDetachState(statePath, st); err != nil {
		_, _ = h.Close(0)
		return err
	}
	defer func() {
		if err := server.RemoveDetachState(statePath, st.PID); err != nil {
			log.Warn().Err(err).Msg("fts.open remove state")
		}
	}()

	a.printf("listening on %s as %s\nfingerprint %s\n", st.ListenAddr, deps.Identity.Name, deps.Identity.Fingerprint())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("fts.open closing")
		report, err := h.Close(a.cfg.CloseTimeout)
		if err == nil {
			printReport(a, report)
		}
	case <-h.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return admin.Shutdown(ctx)
}

// detach re-runs this command in the background and waits until the child
// has published its state file.
func (c *OpenCmd) detach(a *app) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	logPath := filepath.Join(a.cfg.Home, "server.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()

	statePath := a.cfg.DetachFile()
	if st, err := server.ReadDetachState(statePath); err == nil && processAlive(st.PID) {
		return fmt.Errorf("a server is already running (pid %d, listening on %s)", st.PID, st.ListenAddr)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDetached+"=1", "FTS_HOME="+a.cfg.Home, "FTS_LOG_NOCOLOR=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detachAttr(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("detached server exited early (%v), see %s", err, logPath)
		case <-deadline:
			return fmt.Errorf("detached server (pid %d) did not start in time, see %s", pid, logPath)
		case <-tick.C:
			st, err := server.ReadDetachState(statePath)
			if errors.Is(err, server.ErrNotDetached) || (err == nil && st.PID != pid) {
				continue
			}
			if err != nil {
				return err
			}
			a.printf("detached server pid %d listening on %s\nlogs: %s\n", pid, st.ListenAddr, logPath)
			return nil
		}
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func printReport(a *app, r server.CloseReport) {
	mode := "graceful"
	if r.Forced {
		mode = "forced"
	}
	a.printf("closed (%s) in %s: %d drained, %d cancelled, %d dropped\n",
		mode, r.Duration.Round(time.Millisecond), r.Drained, r.Cancelled, r.Dropped)
}
