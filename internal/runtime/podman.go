package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	labelPrefix      = "autoscaled"
	labelName        = labelPrefix + ".name"
	labelServePort   = labelPrefix + ".serve_port"
	labelMonitorPort = labelPrefix + ".monitor_port"
	containerPrefix  = "asd"

	portWaitTimeout = 30 * time.Second
)

// PodmanRuntime implements Runtime against the podman CLI.
type PodmanRuntime struct {
	binaryPath  string
	image       string
	servePort   int // container port that serves request traffic
	monitorPort int // container port that serves health + monitorz
	httpClient  *http.Client
}

// NewPodmanRuntime creates a podman-backed runtime. It verifies podman is
// available in PATH.
func NewPodmanRuntime(image string, servePort, monitorPort int) (*PodmanRuntime, error) {
	path, err := exec.LookPath("podman")
	if err != nil {
		return nil, fmt.Errorf("podman not found in PATH: %w", err)
	}
	return &PodmanRuntime{
		binaryPath:  path,
		image:       image,
		servePort:   servePort,
		monitorPort: monitorPort,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// GetByName returns a handle bound to the instance name. The container may
// not exist yet.
func (p *PodmanRuntime) GetByName(_ context.Context, name string) (Handle, error) {
	return &podmanHandle{rt: p, name: name}, nil
}

func (p *PodmanRuntime) containerName(name string) string {
	return fmt.Sprintf("%s-%s", containerPrefix, name)
}

type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// run executes a podman command and returns the result.
func (p *PodmanRuntime) run(ctx context.Context, args ...string) (*execResult, error) {
	cmd := exec.CommandContext(ctx, p.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &execResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("podman exec failed: %w", err)
	}
	return result, nil
}

// containerInfo is the subset of podman inspect output the runtime needs.
type containerInfo struct {
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (p *PodmanRuntime) inspect(ctx context.Context, name string) (*containerInfo, error) {
	result, err := p.run(ctx, "inspect", p.containerName(name))
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		if isNoSuchContainer(result.Stderr) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("podman inspect failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	var infos []containerInfo
	if err := json.Unmarshal([]byte(result.Stdout), &infos); err != nil {
		return nil, fmt.Errorf("failed to parse podman inspect output: %w", err)
	}
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	return &infos[0], nil
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no such object")
}

type podmanHandle struct {
	rt   *PodmanRuntime
	name string
}

func (h *podmanHandle) Name() string { return h.name }

func (h *podmanHandle) State(ctx context.Context) (State, error) {
	info, err := h.rt.inspect(ctx, h.name)
	if err != nil {
		return State{}, err
	}
	if info.State.Running {
		return State{Status: StatusRunning}, nil
	}
	return State{Status: StatusStopped}, nil
}

// StartAndWaitForPorts creates the container with its serve and monitor
// ports published to free host ports, starts it, and blocks until the serve
// port accepts TCP connections. The host port mappings are stored as labels
// so they survive control-plane restarts.
func (h *podmanHandle) StartAndWaitForPorts(ctx context.Context) error {
	servePort, err := findFreePort()
	if err != nil {
		return fmt.Errorf("failed to allocate serve port for %s: %w", h.name, err)
	}
	monitorPort, err := findFreePort()
	if err != nil {
		return fmt.Errorf("failed to allocate monitor port for %s: %w", h.name, err)
	}

	cname := h.rt.containerName(h.name)
	args := []string{
		"create", "--name", cname,
		"--label", fmt.Sprintf("%s=%s", labelName, h.name),
		"--label", fmt.Sprintf("%s=%d", labelServePort, servePort),
		"--label", fmt.Sprintf("%s=%d", labelMonitorPort, monitorPort),
		"--network", "bridge",
		"--publish", fmt.Sprintf("%d:%d/tcp", servePort, h.rt.servePort),
		"--publish", fmt.Sprintf("%d:%d/tcp", monitorPort, h.rt.monitorPort),
		h.rt.image,
	}
	result, err := h.rt.run(ctx, args...)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman create failed for %s (exit %d): %s",
			h.name, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	result, err = h.rt.run(ctx, "start", cname)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		// Clean up the created container on start failure.
		_, _ = h.rt.run(ctx, "rm", "--force", "--time", "0", cname)
		return fmt.Errorf("podman start failed for %s (exit %d): %s",
			h.name, result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	return waitForPort(ctx, servePort, portWaitTimeout)
}

func (h *podmanHandle) Destroy(ctx context.Context) error {
	result, err := h.rt.run(ctx, "rm", "--force", "--time", "0", h.rt.containerName(h.name))
	if err != nil {
		return err
	}
	if result.ExitCode != 0 && !isNoSuchContainer(result.Stderr) {
		return fmt.Errorf("podman rm failed for %s (exit %d): %s",
			h.name, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// hostPorts reads the published port mappings back from the container
// labels.
func (h *podmanHandle) hostPorts(ctx context.Context) (serve, monitor int, err error) {
	info, err := h.rt.inspect(ctx, h.name)
	if err != nil {
		return 0, 0, err
	}
	serve, err = strconv.Atoi(info.Config.Labels[labelServePort])
	if err != nil {
		return 0, 0, fmt.Errorf("instance %s has no serve port mapping", h.name)
	}
	monitor, err = strconv.Atoi(info.Config.Labels[labelMonitorPort])
	if err != nil {
		return 0, 0, fmt.Errorf("instance %s has no monitor port mapping", h.name)
	}
	return serve, monitor, nil
}

// Fetch forwards the request to the container's serve port. The upstream
// response is buffered so nothing reaches the client until the proxy
// attempt has succeeded; on error the caller still owns the response.
func (h *podmanHandle) Fetch(w http.ResponseWriter, r *http.Request) error {
	serve, _, err := h.hostPorts(r.Context())
	if err != nil {
		return err
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", serve)}
	rec := &responseRecorder{header: make(http.Header)}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	}

	var proxyErr error
	proxy.ErrorHandler = func(_ http.ResponseWriter, _ *http.Request, err error) {
		proxyErr = err
	}

	proxy.ServeHTTP(rec, r)
	if proxyErr != nil {
		return fmt.Errorf("upstream fetch failed for %s: %w", h.name, proxyErr)
	}
	rec.writeTo(w)
	return nil
}

// ContainerFetch issues a GET against an URL on the container's network,
// translating the container port to its published host port.
func (h *podmanHandle) ContainerFetch(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid container URL %q: %w", rawURL, err)
	}

	serve, monitor, err := h.hostPorts(ctx)
	if err != nil {
		return nil, err
	}

	hostPort := serve
	if portOf(u) == h.rt.monitorPort {
		hostPort = monitor
	}
	u.Scheme = "http"
	u.Host = fmt.Sprintf("127.0.0.1:%d", hostPort)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return h.rt.httpClient.Do(req)
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}

// responseRecorder captures an HTTP response in memory so the caller can
// decide whether to flush it or report an error.
type responseRecorder struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) WriteHeader(statusCode int) { r.statusCode = statusCode }

func (r *responseRecorder) writeTo(w http.ResponseWriter) {
	for k, vals := range r.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	code := r.statusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	w.Write(r.body.Bytes())
}

// findFreePort asks the kernel for an unused TCP port.
func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForPort polls a host TCP port until it accepts connections.
func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}
