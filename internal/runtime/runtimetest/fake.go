// Package runtimetest provides an in-memory container runtime for tests.
package runtimetest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/abhi-arya1/autoscaled/internal/runtime"
)

// Container is the fake's record of one container.
type Container struct {
	Status     string
	HealthCode int     // status code returned for the monitoring endpoint
	HealthErr  error   // forces the health fetch itself to fail
	CPU        float64 // monitorz telemetry
	Memory     float64
	Disk       float64
	FetchCode  int    // status code returned by Fetch (0 = 200)
	FetchBody  string // body returned by Fetch
	FetchErr   error  // forces Fetch to fail
}

// Fake is an in-memory runtime.Runtime. All operations are safe for
// concurrent use.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*Container

	// StartErr makes StartAndWaitForPorts fail for every handle.
	StartErr error

	Created   []string
	Destroyed []string
}

// NewFake returns an empty fake runtime.
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*Container)}
}

// Add seeds a running, healthy container without going through a handle.
func (f *Fake) Add(name string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &Container{Status: runtime.StatusRunning, HealthCode: http.StatusOK}
	f.containers[name] = c
	return c
}

// Get returns the container record, or nil.
func (f *Fake) Get(name string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

// Exists reports whether a container exists.
func (f *Fake) Exists(name string) bool {
	return f.Get(name) != nil
}

// Count returns the number of live containers.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// GetByName implements runtime.Runtime.
func (f *Fake) GetByName(_ context.Context, name string) (runtime.Handle, error) {
	return &fakeHandle{fake: f, name: name}, nil
}

type fakeHandle struct {
	fake *Fake
	name string
}

func (h *fakeHandle) Name() string { return h.name }

func (h *fakeHandle) State(_ context.Context) (runtime.State, error) {
	c := h.fake.Get(h.name)
	if c == nil {
		return runtime.State{}, runtime.ErrNotFound
	}
	return runtime.State{Status: c.Status}, nil
}

func (h *fakeHandle) StartAndWaitForPorts(_ context.Context) error {
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	if h.fake.StartErr != nil {
		return h.fake.StartErr
	}
	h.fake.containers[h.name] = &Container{
		Status:     runtime.StatusRunning,
		HealthCode: http.StatusOK,
	}
	h.fake.Created = append(h.fake.Created, h.name)
	return nil
}

func (h *fakeHandle) Destroy(_ context.Context) error {
	h.fake.mu.Lock()
	defer h.fake.mu.Unlock()
	delete(h.fake.containers, h.name)
	h.fake.Destroyed = append(h.fake.Destroyed, h.name)
	return nil
}

func (h *fakeHandle) Fetch(w http.ResponseWriter, r *http.Request) error {
	c := h.fake.Get(h.name)
	if c == nil {
		return runtime.ErrNotFound
	}
	if c.FetchErr != nil {
		return c.FetchErr
	}
	code := c.FetchCode
	if code == 0 {
		code = http.StatusOK
	}
	body := c.FetchBody
	if body == "" {
		body = "ok from " + h.name
	}
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
	return nil
}

func (h *fakeHandle) ContainerFetch(_ context.Context, url string) (*http.Response, error) {
	c := h.fake.Get(h.name)
	if c == nil {
		return nil, runtime.ErrNotFound
	}

	if strings.Contains(url, "/monitorz") {
		payload, _ := json.Marshal(map[string]float64{
			"cpu_usage":    c.CPU,
			"memory_usage": c.Memory,
			"disk_usage":   c.Disk,
		})
		return fakeResponse(http.StatusOK, string(payload)), nil
	}

	if c.HealthErr != nil {
		return nil, fmt.Errorf("health endpoint unreachable for %s: %w", h.name, c.HealthErr)
	}
	code := c.HealthCode
	if code == 0 {
		code = http.StatusOK
	}
	return fakeResponse(code, ""), nil
}

func fakeResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}
