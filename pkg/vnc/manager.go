// Package vnc implements the VNC Session Manager: display/port allocation,
// password generation, and input dispatch split between guest-owned VMs
// (x11vnc/xdotool via the executor) and hypervisor-owned consoles (recorded
// only, automated with vncdo where available).
//
// Grounded on original_source/src/core/vnc_manager.py for the allocation and
// dispatch algorithms, and on the teacher's mutex-guarded registry idiom
// from pkg/vm/manager.go.
package vnc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pipeops/microvm-sandbox/pkg/domain"
	"github.com/pipeops/microvm-sandbox/pkg/executor"
)

// Config bounds the session manager's display/port allocation range.
type Config struct {
	BaseDisplay int
	BasePort    int
	MaxSessions int
	StateDir    string
}

// Manager is the VNC Session Manager.
type Manager struct {
	mu sync.Mutex

	config Config
	exec   executor.Executor
	log    *logrus.Entry

	sessions      map[string]*domain.VNCSession // by vm name
	usedDisplays  map[int]bool
}

// NewManager constructs a Manager.
func NewManager(config Config, exec executor.Executor, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		config:       config,
		exec:         exec,
		log:          log.WithField("component", "vnc_manager"),
		sessions:     make(map[string]*domain.VNCSession),
		usedDisplays: make(map[int]bool),
	}
}

// StartVNCServer allocates a display/port for vmName and, for guest-type
// sessions, launches an x11vnc process through the executor. Hypervisor-type
// sessions are record-only: the console is owned by the hypervisor process
// (Windows / Cloud Hypervisor), not spawned here.
func (m *Manager) StartVNCServer(ctx context.Context, vmName string, osType domain.OSType, vncType domain.VNCType) (*domain.VNCSession, error) {
	m.mu.Lock()
	if _, exists := m.sessions[vmName]; exists {
		m.mu.Unlock()
		return nil, domain.NewValidationError("vm %s already has a vnc session", vmName)
	}
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, domain.NewResourceExhaustedError("maximum vnc session limit (%d) reached", m.config.MaxSessions)
	}

	display, err := m.allocateDisplayLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	port := m.config.BasePort + display

	password, err := generatePassword()
	if err != nil {
		m.usedDisplays[display] = false
		m.mu.Unlock()
		return nil, domain.WrapFatal("generate vnc password", err)
	}

	session := &domain.VNCSession{
		VMName:       vmName,
		Display:      display,
		Port:         port,
		Password:     password,
		Type:         vncType,
		OSType:       osType,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	m.sessions[vmName] = session
	m.mu.Unlock()

	if vncType == domain.VNCGuest {
		pid, err := m.startGuestVNCProcess(ctx, session)
		if err != nil {
			m.mu.Lock()
			delete(m.sessions, vmName)
			m.usedDisplays[display] = false
			m.mu.Unlock()
			return nil, err
		}
		session.PID = pid
	}

	if err := m.persistSession(session); err != nil {
		m.log.WithError(err).WithField("vm", vmName).Warn("failed to persist vnc session state")
	}

	m.log.WithFields(logrus.Fields{"vm": vmName, "display": display, "port": port, "type": vncType}).Info("started vnc session")
	return session, nil
}

// persistSession writes the session's metadata to <StateDir>/<vm>.json and
// its password to <StateDir>/<vm>.password (mode 0600), per §6.
func (m *Manager) persistSession(s *domain.VNCSession) error {
	if m.config.StateDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.config.StateDir, 0755); err != nil {
		return domain.WrapFatal("create vnc state directory", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return domain.WrapFatal("marshal vnc session", err)
	}
	if err := os.WriteFile(m.sessionFilePath(s.VMName), data, 0644); err != nil {
		return domain.WrapFatal("write vnc session file", err)
	}
	if err := os.WriteFile(m.passwordFilePath(s.VMName), []byte(s.Password), 0600); err != nil {
		return domain.WrapFatal("write vnc password file", err)
	}
	return nil
}

// removeSessionFiles deletes a session's on-disk state. Missing files are
// not an error — StopVNCServer may be called after a crash that prevented
// persistSession from ever running.
func (m *Manager) removeSessionFiles(vmName string) {
	if m.config.StateDir == "" {
		return
	}
	_ = os.Remove(m.sessionFilePath(vmName))
	_ = os.Remove(m.passwordFilePath(vmName))
}

func (m *Manager) sessionFilePath(vmName string) string {
	return filepath.Join(m.config.StateDir, vmName+".json")
}

func (m *Manager) passwordFilePath(vmName string) string {
	return filepath.Join(m.config.StateDir, vmName+".password")
}

// startGuestVNCProcess configures the vnc password file and launches
// x11vnc in performance mode against the guest's display.
func (m *Manager) startGuestVNCProcess(ctx context.Context, s *domain.VNCSession) (int, error) {
	passRes, err := m.exec.Run(ctx, executor.Command{
		Argv:  []string{"vncpasswd", "-f"},
		Stdin: []byte(s.Password + "\n"),
	})
	if err != nil {
		return 0, domain.WrapFatal("run vncpasswd", err)
	}
	if !passRes.Succeeded() {
		return 0, domain.WrapFatal("vncpasswd", fmt.Errorf("exited %d: %s", passRes.ExitCode, passRes.Stderr))
	}

	runRes, err := m.exec.Run(ctx, executor.Command{
		Argv: []string{
			"x11vnc",
			"-display", fmt.Sprintf(":%d", s.Display),
			"-rfbport", fmt.Sprintf("%d", s.Port),
			"-noxdamage", "-ncache", "0", "-forever", "-bg",
		},
	})
	if err != nil {
		return 0, domain.WrapFatal("run x11vnc", err)
	}
	if !runRes.Succeeded() {
		return 0, domain.WrapFatal("x11vnc", fmt.Errorf("exited %d: %s", runRes.ExitCode, runRes.Stderr))
	}

	// x11vnc backgrounds itself; the PID is not captured by Executor.Run in
	// the -bg path. Session bookkeeping still works without it — StopVNCServer
	// falls back to killing by display/port when PID is 0.
	return 0, nil
}

// StopVNCServer terminates a session's owned process (if any) and removes
// it from the registry.
func (m *Manager) StopVNCServer(ctx context.Context, vmName string) error {
	m.mu.Lock()
	session, ok := m.sessions[vmName]
	if !ok {
		m.mu.Unlock()
		return domain.NewNotFoundError("no vnc session for vm %s", vmName)
	}
	delete(m.sessions, vmName)
	m.usedDisplays[session.Display] = false
	m.mu.Unlock()

	m.removeSessionFiles(vmName)

	if session.Type == domain.VNCGuest {
		if session.PID > 0 {
			m.stopProcess(session.PID)
		} else {
			_, _ = m.exec.Run(ctx, executor.Command{Argv: []string{"pkill", "-f", fmt.Sprintf("x11vnc.*:%d", session.Display)}})
		}
	}

	m.log.WithField("vm", vmName).Info("stopped vnc session")
	return nil
}

// stopProcess sends SIGTERM, and if the process is still alive after the
// grace period, SIGKILL, matching the source's two-phase shutdown.
func (m *Manager) stopProcess(pid int) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(pid, 0); err == nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// GetVNCInfo returns a VM's session, if any.
func (m *Manager) GetVNCInfo(vmName string) (*domain.VNCSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[vmName]
	return s, ok
}

// ListVNCSessions returns every active session.
func (m *Manager) ListVNCSessions() []*domain.VNCSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.VNCSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// TakeScreenshot captures the guest display to a PNG file via xwd+convert.
// Only supported for guest-type sessions.
func (m *Manager) TakeScreenshot(ctx context.Context, vmName, outPath string) error {
	session, ok := m.GetVNCInfo(vmName)
	if !ok {
		return domain.NewNotFoundError("no vnc session for vm %s", vmName)
	}
	if session.Type != domain.VNCGuest {
		return domain.NewValidationError("screenshot not supported for hypervisor-type session %s", vmName)
	}

	xwdRes, err := m.exec.Run(ctx, executor.Command{
		Argv: []string{"xwd", "-root", "-display", fmt.Sprintf(":%d", session.Display), "-out", outPath + ".xwd"},
	})
	if err != nil || !xwdRes.Succeeded() {
		return domain.WrapFatal("run xwd", errOrExit(err, xwdRes))
	}
	convRes, err := m.exec.Run(ctx, executor.Command{
		Argv: []string{"convert", outPath + ".xwd", outPath},
	})
	if err != nil || !convRes.Succeeded() {
		return domain.WrapFatal("run convert", errOrExit(err, convRes))
	}

	session.Touch()
	return nil
}

// SendKeys dispatches a key combination to a session: guest sessions use
// xdotool against the X display directly; hypervisor sessions use vncdo
// automation over the RFB connection, falling back to a manual protocol
// stub when vncdo is unavailable.
func (m *Manager) SendKeys(ctx context.Context, vmName string, keys []string) error {
	session, ok := m.GetVNCInfo(vmName)
	if !ok {
		return domain.NewNotFoundError("no vnc session for vm %s", vmName)
	}

	var err error
	if session.Type == domain.VNCGuest {
		args := append([]string{"-display", fmt.Sprintf(":%d", session.Display), "key"}, keys...)
		res, runErr := m.exec.Run(ctx, executor.Command{Argv: append([]string{"xdotool"}, args...)})
		err = errOrExit(runErr, res)
	} else {
		err = m.sendKeysHypervisor(ctx, session, keys)
	}
	if err != nil {
		return domain.WrapTransient("send key combination", err)
	}
	session.Touch()
	return nil
}

func (m *Manager) sendKeysHypervisor(ctx context.Context, s *domain.VNCSession, keys []string) error {
	args := []string{"-server", fmt.Sprintf("localhost::%d", s.Port), "-password", s.Password, "key"}
	args = append(args, keys...)
	res, err := m.exec.Run(ctx, executor.Command{Argv: append([]string{"vncdo"}, args...)})
	if err == nil && res.Succeeded() {
		return nil
	}
	// vncdo unavailable: fall back to manual RFB key events.
	return m.sendKeysManual(s, keys)
}

// sendKeysManual is a stub for manual RFB protocol key-event framing,
// used only when vncdo is not installed on the host. TODO: implement the
// RFB 3.8 KeyEvent message framing directly instead of shelling out.
func (m *Manager) sendKeysManual(s *domain.VNCSession, keys []string) error {
	return fmt.Errorf("manual rfb key dispatch not implemented (vncdo unavailable for session %s)", s.VMName)
}

// MouseClick dispatches a mouse click at (x, y), split the same way as
// SendKeys.
func (m *Manager) MouseClick(ctx context.Context, vmName string, x, y, button int) error {
	session, ok := m.GetVNCInfo(vmName)
	if !ok {
		return domain.NewNotFoundError("no vnc session for vm %s", vmName)
	}

	var err error
	if session.Type == domain.VNCGuest {
		res, runErr := m.exec.Run(ctx, executor.Command{Argv: []string{
			"xdotool", "mousemove", "--sync", fmt.Sprintf("%d", x), fmt.Sprintf("%d", y),
			"click", fmt.Sprintf("%d", button),
		}})
		err = errOrExit(runErr, res)
	} else {
		res, runErr := m.exec.Run(ctx, executor.Command{Argv: []string{
			"vncdo", "-server", fmt.Sprintf("localhost::%d", session.Port), "-password", session.Password,
			"move", fmt.Sprintf("%d", x), fmt.Sprintf("%d", y), "click", fmt.Sprintf("%d", button),
		}})
		if runErr != nil || !res.Succeeded() {
			err = m.sendMouseClickManual(session, x, y, button)
		}
	}
	if err != nil {
		return domain.WrapTransient("mouse click", err)
	}
	session.Touch()
	return nil
}

// sendMouseClickManual mirrors sendKeysManual's fallback for pointer events.
func (m *Manager) sendMouseClickManual(s *domain.VNCSession, x, y, button int) error {
	return fmt.Errorf("manual rfb pointer dispatch not implemented (vncdo unavailable for session %s)", s.VMName)
}

// CleanupAllSessions stops every active session, used on shutdown.
func (m *Manager) CleanupAllSessions(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.StopVNCServer(ctx, name); err != nil {
			m.log.WithError(err).WithField("vm", name).Warn("failed to stop vnc session during cleanup")
		}
	}
}

func (m *Manager) allocateDisplayLocked() (int, error) {
	for d := m.config.BaseDisplay; d < m.config.BaseDisplay+m.config.MaxSessions; d++ {
		if !m.usedDisplays[d] {
			m.usedDisplays[d] = true
			return d, nil
		}
	}
	return 0, domain.NewResourceExhaustedError("no available vnc displays in range starting at %d", m.config.BaseDisplay)
}

func generatePassword() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func errOrExit(runErr error, res executor.Result) error {
	if runErr != nil {
		return runErr
	}
	if !res.Succeeded() {
		return fmt.Errorf("command exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}
