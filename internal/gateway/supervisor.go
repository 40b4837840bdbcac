// Package gateway supervises the long-running gateway child process:
// spawning it, streaming its output, promoting it to running once healthy,
// watching it afterwards and tearing it down with SIGTERM then SIGKILL.
//
// Every transition is a compare-and-set on the attempt generation, so a
// worker left over from an earlier start can never change a later one.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/gatekeeper/internal/env"
	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/health"
	"github.com/loykin/gatekeeper/internal/metrics"
	"github.com/loykin/gatekeeper/internal/procinfo"
)

// Options tunes a Supervisor. Zero values take the defaults noted.
type Options struct {
	Prober            health.Prober // HTTPProber
	PollInterval      time.Duration // 2s
	ReadyAttempts     int           // 30
	MaxHealthFailures int           // 3
	StopTimeout       time.Duration // 5s before SIGKILL
	StreamWait        time.Duration // 2s for output streamers after exit
	DefaultPort       int

	Publisher events.Publisher
	Logger    *slog.Logger
	// LogWriters, when set, returns files receiving the child's stdout and
	// stderr. Either may be nil.
	LogWriters func() (io.WriteCloser, io.WriteCloser, error)
	Sampler    *metrics.ProcessSampler
}

// StartRequest describes one launch. Env entries ("K=V") are layered on top
// of the supervisor's own environment.
type StartRequest struct {
	Command string
	Args    []string
	Port    int
	Env     []string
	Dir     string
}

// attempt is one spawned child. done is closed once the child has been
// reaped; exitErr is valid after that.
type attempt struct {
	gen       uint64
	port      int
	cmd       *exec.Cmd
	pid       int
	startUnix int64
	startedAt time.Time

	done    chan struct{}
	exitErr error

	streams chan struct{}
	readers []*os.File

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *attempt) exited() (bool, error) {
	select {
	case <-a.done:
		return true, a.exitErr
	default:
		return false, nil
	}
}

type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	port     int
	errMsg   string
	gen      uint64
	cur      *attempt
	draining *attempt
}

func NewSupervisor(o Options) *Supervisor {
	if o.Prober == nil {
		o.Prober = health.HTTPProber{}
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = 30
	}
	if o.MaxHealthFailures <= 0 {
		o.MaxHealthFailures = 3
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.StreamWait <= 0 {
		o.StreamWait = 2 * time.Second
	}
	if o.Publisher == nil {
		o.Publisher = events.Discard{}
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics.SetCurrentState(string(Stopped), knownStates)
	return &Supervisor{
		opts:  o,
		log:   log.With("component", "gateway"),
		state: Stopped,
		port:  o.DefaultPort,
	}
}

func (s *Supervisor) snapshotLocked() Status {
	st := Status{State: s.state, Port: s.port, Error: s.errMsg}
	a := s.cur
	if a == nil {
		a = s.draining
	}
	if a != nil {
		st.PID = a.pid
		if s.state == Starting || s.state == Running {
			up := uint64(time.Since(a.startedAt) / time.Second)
			st.UptimeSecs = &up
		}
	}
	return st
}

func (s *Supervisor) setLocked(to State, msg string) Status {
	if from := s.state; from != to {
		metrics.RecordStateTransition(string(from), string(to))
		metrics.SetCurrentState(string(to), knownStates)
	}
	s.state = to
	s.errMsg = msg
	return s.snapshotLocked()
}

// reconcileLocked folds an exit of the tracked child into the state.
func (s *Supervisor) reconcileLocked() (Status, bool) {
	a := s.cur
	if a == nil {
		return Status{}, false
	}
	done, err := a.exited()
	if !done {
		return Status{}, false
	}
	s.cur = nil
	a.cancel()
	if s.state == Stopping || err == nil {
		return s.setLocked(Stopped, ""), true
	}
	return s.setLocked(Error, exitMessage(err)), true
}

func exitMessage(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Sprintf("gateway exited unexpectedly with status %s", ee.ProcessState)
	}
	return fmt.Sprintf("failed to inspect gateway process state: %v", err)
}

// cas applies from->to only if attempt gen is still current and in from.
func (s *Supervisor) cas(a *attempt, from, to State, msg string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != a.gen || s.cur != a || s.state != from {
		return Status{}, false
	}
	return s.setLocked(to, msg), true
}

// expect reconciles and reports whether a is still current and in want.
func (s *Supervisor) expect(a *attempt, want State) bool {
	s.mu.Lock()
	st, changed := s.reconcileLocked()
	ok := s.gen == a.gen && s.cur == a && s.state == want
	s.mu.Unlock()
	if changed {
		s.announce(st)
	}
	return ok
}

func (s *Supervisor) publish(st Status) {
	s.opts.Publisher.Publish(events.GatewayStatus, st)
}

// announce publishes st and, for error states, an error log line.
func (s *Supervisor) announce(st Status) {
	s.publish(st)
	if st.State == Error {
		msg := st.Error
		if msg == "" {
			msg = "gateway entered error state"
		}
		s.emit("error", msg)
	}
}

func (s *Supervisor) emit(level, line string) {
	s.opts.Publisher.Publish(events.GatewayLog, LogLine{
		Line:      line,
		Level:     level,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	switch level {
	case "error":
		s.log.Error(line)
	case "warn":
		s.log.Warn(line)
	case "info":
		s.log.Info(line)
	}
}

// Status reconciles against the child's liveness and returns a snapshot, so
// a crash is visible before the monitor's next tick.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st, changed := s.reconcileLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if changed {
		s.announce(st)
	}
	return snap
}

// Start launches the gateway. It fails with ErrAlreadyRunning while
// starting or running and with ErrStopping while a stop is in progress.
func (s *Supervisor) Start(req StartRequest) error {
	s.mu.Lock()
	rec, changed := s.reconcileLocked()
	var rejected error
	switch {
	case s.state == Starting || s.state == Running:
		rejected = ErrAlreadyRunning
	case s.state == Stopping || s.draining != nil:
		rejected = ErrStopping
	}
	if rejected != nil {
		s.mu.Unlock()
		if changed {
			s.announce(rec)
		}
		s.emit("warn", rejected.Error())
		return rejected
	}
	stale := s.cur
	s.cur = nil
	s.gen++
	gen := s.gen
	s.port = req.Port
	st := s.setLocked(Starting, "")
	s.mu.Unlock()

	if changed {
		s.announce(rec)
	}
	s.publish(st)
	if stale != nil {
		// a child left behind by a failed attempt
		s.kill(stale)
	}

	s.emit("info", "Starting gateway: "+strings.TrimSpace(req.Command+" "+strings.Join(req.Args, " ")))
	a, err := s.spawn(gen, req)
	if err != nil {
		msg := fmt.Sprintf("failed to spawn gateway with %s: %v", req.Command, err)
		s.mu.Lock()
		ok := s.gen == gen && s.state == Starting
		if ok {
			st = s.setLocked(Error, msg)
		}
		s.mu.Unlock()
		if ok {
			s.announce(st)
		}
		return fmt.Errorf("failed to spawn gateway with %s: %w", req.Command, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.state != Starting {
		s.mu.Unlock()
		s.kill(a)
		return ErrSuperseded
	}
	s.cur = a
	st = s.snapshotLocked()
	s.mu.Unlock()

	metrics.IncGatewayStart()
	s.publish(st)
	s.log.Info("gateway spawned", "pid", a.pid, "port", a.port)

	go s.watch(a)
	if sm := s.opts.Sampler; sm != nil {
		go func() {
			sm.Run(a.ctx, func() int32 { return int32(a.pid) })
			sm.Sample(0)
		}()
	}
	return nil
}

func (s *Supervisor) spawn(gen uint64, req StartRequest) (*attempt, error) {
	cmd := exec.Command(req.Command, req.Args...)
	cmd.Env = env.New().FromOS().Merge(req.Env)
	cmd.Dir = req.Dir
	configure(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	// the child holds its own copies of the write ends
	closeAll(outW, errW)

	a := &attempt{
		gen:       gen,
		port:      req.Port,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		streams:   make(chan struct{}),
		readers:   []*os.File{outR, errR},
	}
	a.startUnix = procinfo.StartUnix(a.pid)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	go func() {
		a.exitErr = cmd.Wait()
		close(a.done)
	}()

	var outLog, errLog io.WriteCloser
	if s.opts.LogWriters != nil {
		if outLog, errLog, err = s.opts.LogWriters(); err != nil {
			s.log.Warn("gateway log files unavailable", "error", err)
		}
	}
	var g errgroup.Group
	g.Go(func() error { return s.stream(outR, "stdout", outLog) })
	g.Go(func() error { return s.stream(errR, "stderr", errLog) })
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.log.Debug("gateway output stream", "error", err)
		}
		for _, w := range []io.WriteCloser{outLog, errLog} {
			if w != nil {
				_ = w.Close()
			}
		}
		close(a.streams)
	}()
	return a, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (s *Supervisor) stream(r *os.File, level string, w io.Writer) error {
	defer func() { _ = r.Close() }()
	return scanLines(r, func(line string) {
		if w != nil {
			_, _ = io.WriteString(w, line+"\n")
		}
		s.opts.Publisher.Publish(events.GatewayLog, LogLine{
			Line:      line,
			Level:     level,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	})
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + " seconds"
}

func (s *Supervisor) sleep(a *attempt) bool {
	t := time.NewTimer(s.opts.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// watch runs readiness and then, once running, the health monitor.
func (s *Supervisor) watch(a *attempt) {
	for i := 0; i < s.opts.ReadyAttempts; i++ {
		if s.opts.Prober.Check(a.ctx, a.port) {
			st, ok := s.cas(a, Starting, Running, "")
			if !ok {
				return
			}
			metrics.ObserveReadyDuration(time.Since(a.startedAt).Seconds())
			s.publish(st)
			s.emit("info", fmt.Sprintf("gateway is running on port %d", a.port))
			s.monitor(a)
			return
		}
		if !s.expect(a, Starting) {
			return
		}
		if !s.sleep(a) {
			return
		}
	}
	msg := "gateway did not become healthy within " + seconds(s.opts.PollInterval*time.Duration(s.opts.ReadyAttempts))
	if st, ok := s.cas(a, Starting, Error, msg); ok {
		s.announce(st)
	}
}

func (s *Supervisor) monitor(a *attempt) {
	failures := 0
	for {
		if !s.sleep(a) {
			return
		}
		if !s.expect(a, Running) {
			return
		}
		if s.opts.Prober.Check(a.ctx, a.port) {
			failures = 0
			continue
		}
		failures++
		s.log.Debug("gateway health check failed", "failures", failures)
		if failures < s.opts.MaxHealthFailures {
			continue
		}
		if st, ok := s.cas(a, Running, Error, "gateway health checks failed repeatedly"); ok {
			s.announce(st)
		}
		return
	}
}

// Stop terminates the tracked child: SIGTERM to its process group, SIGKILL
// after StopTimeout. Without a child it only normalizes the state to
// stopped.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	rec, changed := s.reconcileLocked()
	if s.draining != nil {
		s.mu.Unlock()
		return ErrStopping
	}
	a := s.cur
	if a == nil {
		st := s.setLocked(Stopped, "")
		s.mu.Unlock()
		if changed {
			s.announce(rec)
		}
		s.publish(st)
		return nil
	}
	s.cur = nil
	s.draining = a
	st := s.setLocked(Stopping, "")
	s.mu.Unlock()
	if changed {
		s.announce(rec)
	}
	s.publish(st)

	method := s.terminate(a)
	metrics.IncGatewayStop(method)
	s.awaitStreams(a)
	a.cancel()

	s.mu.Lock()
	s.draining = nil
	st = s.setLocked(Stopped, "")
	s.mu.Unlock()
	s.publish(st)
	s.log.Info("gateway stopped", "pid", a.pid, "method", method)
	return nil
}

// terminate returns how the child ended: exited, graceful or forced.
func (s *Supervisor) terminate(a *attempt) string {
	if done, _ := a.exited(); done {
		return "exited"
	}
	if err := terminate(a); err != nil {
		s.log.Warn("graceful stop signal failed", "pid", a.pid, "error", err)
	}
	t := time.NewTimer(s.opts.StopTimeout)
	defer t.Stop()
	select {
	case <-a.done:
		return "graceful"
	case <-t.C:
	}
	s.kill(a)
	return "forced"
}

func (s *Supervisor) kill(a *attempt) {
	if done, _ := a.exited(); !done {
		if err := forceKill(a); err != nil {
			s.log.Warn("kill gateway", "pid", a.pid, "error", err)
		}
		select {
		case <-a.done:
		case <-time.After(s.opts.StreamWait):
			s.log.Warn("gateway did not exit after kill", "pid", a.pid)
		}
	}
	a.cancel()
}

// awaitStreams waits for both streamers; a grandchild holding the pipes
// open is cut off after StreamWait.
func (s *Supervisor) awaitStreams(a *attempt) {
	select {
	case <-a.streams:
		return
	case <-time.After(s.opts.StreamWait):
	}
	closeAll(a.readers...)
	select {
	case <-a.streams:
	case <-time.After(s.opts.StreamWait):
		s.log.Warn("gateway output streams did not finish", "pid", a.pid)
	}
}
