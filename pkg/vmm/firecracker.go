package vmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"k8s.io/klog/v2"
)

// FirecrackerConfig locates the hypervisor binary and the VM images.
type FirecrackerConfig struct {
	Binary      string
	KernelImage string
	Rootfs      string
	SocketDir   string
	LogDir      string
}

// FirecrackerDriver boots microVMs with the Firecracker VMM. Each machine
// gets an API socket (`<id>-fc.sock`) and a vsock agent socket
// (`<id>-agent.sock`) under SocketDir.
type FirecrackerDriver struct {
	config FirecrackerConfig
}

// NewFirecrackerDriver validates the configuration and returns a driver.
func NewFirecrackerDriver(config FirecrackerConfig) (*FirecrackerDriver, error) {
	if config.Binary == "" {
		config.Binary = "firecracker"
	}
	if config.KernelImage == "" {
		return nil, fmt.Errorf("firecracker: kernel image is required")
	}
	if config.Rootfs == "" {
		return nil, fmt.Errorf("firecracker: rootfs is required")
	}
	if config.SocketDir == "" {
		config.SocketDir = "/run/modhive/firecracker"
	}
	if config.LogDir == "" {
		config.LogDir = "/var/log/modhive/firecracker"
	}
	return &FirecrackerDriver{config: config}, nil
}

type firecrackerMachine struct {
	id          int
	cmd         *exec.Cmd
	api         *http.Client
	agentSocket string
	apiSocket   string
	logPath     string
	exited      chan struct{}
}

// Start spawns the hypervisor process, configures the VM over the API
// socket and boots it. The returned machine is booting; readiness is the
// pool's concern.
func (d *FirecrackerDriver) Start(ctx context.Context, id int, opts MachineOptions) (Machine, error) {
	if err := os.MkdirAll(d.config.SocketDir, 0o750); err != nil {
		return nil, fmt.Errorf("Start: create socket dir: %w", err)
	}
	if err := os.MkdirAll(d.config.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("Start: create log dir: %w", err)
	}

	m := &firecrackerMachine{
		id:          id,
		apiSocket:   filepath.Join(d.config.SocketDir, fmt.Sprintf("%d-fc.sock", id)),
		agentSocket: filepath.Join(d.config.SocketDir, fmt.Sprintf("%d-agent.sock", id)),
		logPath:     filepath.Join(d.config.LogDir, fmt.Sprintf("%d-logs.fifo", id)),
		exited:      make(chan struct{}),
	}

	// Stale sockets from a previous run make the hypervisor refuse to start.
	_ = os.Remove(m.apiSocket)
	_ = os.Remove(m.agentSocket)
	if err := os.WriteFile(m.logPath, nil, 0o640); err != nil {
		return nil, fmt.Errorf("Start: create log file: %w", err)
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	cmd := exec.Command(d.config.Binary,
		"--api-sock", m.apiSocket,
		"--log-path", m.logPath,
		"--level", logLevel,
		"--show-level",
		"--show-log-origin",
	)

	stdoutLog, err := os.Create(filepath.Join(d.config.LogDir, fmt.Sprintf("%d-stdout.log", id)))
	if err != nil {
		return nil, fmt.Errorf("Start: create stdout log: %w", err)
	}
	stderrLog, err := os.Create(filepath.Join(d.config.LogDir, fmt.Sprintf("%d-stderr.log", id)))
	if err != nil {
		stdoutLog.Close()
		return nil, fmt.Errorf("Start: create stderr log: %w", err)
	}
	cmd.Stdout = stdoutLog
	cmd.Stderr = stderrLog

	klog.V(2).Infof("firecracker(%d): spawning %s", id, d.config.Binary)
	if err := cmd.Start(); err != nil {
		stdoutLog.Close()
		stderrLog.Close()
		return nil, fmt.Errorf("Start: spawn hypervisor: %w", err)
	}
	m.cmd = cmd

	go func() {
		_ = cmd.Wait()
		stdoutLog.Close()
		stderrLog.Close()
		close(m.exited)
	}()

	m.api = unixHTTPClient(m.apiSocket)

	if err := d.configure(ctx, m); err != nil {
		_ = m.Kill()
		return nil, err
	}

	if err := m.putJSON(ctx, "actions", map[string]any{"action_type": "InstanceStart"}); err != nil {
		_ = m.Kill()
		return nil, fmt.Errorf("Start: boot instance: %w", err)
	}

	return m, nil
}

// configure pushes boot source, root drive, vsock and network config
// through the API socket before the instance starts.
func (d *FirecrackerDriver) configure(ctx context.Context, m *firecrackerMachine) error {
	steps := []struct {
		path string
		body map[string]any
	}{
		{"boot-source", map[string]any{
			"kernel_image_path": d.config.KernelImage,
			"boot_args":         "console=ttyS0 reboot=k panic=1 pci=off quiet noacpi nomodules ip=172.16.0.2::172.16.0.1:255.255.255.0::eth0:off",
		}},
		{"drives/rootfs", map[string]any{
			"drive_id":       "rootfs",
			"path_on_host":   d.config.Rootfs,
			"is_root_device": true,
			"is_read_only":   false,
		}},
		{"vsock", map[string]any{
			"guest_cid": 3,
			"uds_path":  m.agentSocket,
		}},
		{"network-interfaces/eth0", map[string]any{
			"iface_id":      "eth0",
			"guest_mac":     fmt.Sprintf("02:FC:00:00:%02d:%02d", m.id/256, m.id%256),
			"host_dev_name": fmt.Sprintf("fc-%d-tap0", m.id),
		}},
	}

	for _, step := range steps {
		if err := m.putJSON(ctx, step.path, step.body); err != nil {
			return fmt.Errorf("configure %s: %w", step.path, err)
		}
	}
	return nil
}

func (m *firecrackerMachine) AgentSocket() string { return m.agentSocket }

func (m *firecrackerMachine) Exited() bool {
	select {
	case <-m.exited:
		return true
	default:
		return false
	}
}

// Shutdown asks the guest to power off via ctrl-alt-del, then kills the
// process and removes the machine's sockets.
func (m *firecrackerMachine) Shutdown(ctx context.Context) error {
	if !m.Exited() {
		if err := m.putJSON(ctx, "actions", map[string]any{"action_type": "SendCtrlAltDel"}); err != nil {
			klog.V(2).Infof("firecracker(%d): graceful shutdown failed: %v", m.id, err)
		}

		select {
		case <-m.exited:
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
	}
	return m.Kill()
}

func (m *firecrackerMachine) Kill() error {
	if m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
	}
	_ = os.Remove(m.apiSocket)
	_ = os.Remove(m.agentSocket)
	_ = os.Remove(m.logPath)
	return nil
}

func (m *firecrackerMachine) putJSON(ctx context.Context, path string, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, "http://localhost/"+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	klog.V(4).Infof("firecracker(%d): PUT /%s %s", m.id, path, b)
	resp, err := m.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker API %s returned %d: %s", path, resp.StatusCode, respBody)
	}
	return nil
}

func unixHTTPClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 10 * time.Second,
	}
}
