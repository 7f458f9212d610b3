package stream

import (
	"fmt"
	"runtime"
	"sync"
)

// key identifies a Stream by (device, stream-index).
type key struct {
	device int
	index  int
}

// Registry owns every Device and Stream known to the engine.
type Registry struct {
	mu      sync.Mutex
	devices map[int]*Device
	streams map[key]*Stream
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[int]*Device),
		streams: make(map[key]*Stream),
	}
}

// RegisterDevice adds (or replaces) a device entry. Real device enumeration
// belongs to the driver shim; the CPU backend registers a single synthetic
// device sized by the logical CPU count.
func (r *Registry) RegisterDevice(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = d
}

// Device looks up a previously registered device.
func (r *Registry) Device(id int) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	return d, ok
}

// NumDevices returns how many devices are registered.
func (r *Registry) NumDevices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Stream returns (creating if necessary) the stream for (device, index, tag).
// It returns an error if device is unknown.
func (r *Registry) Stream(device, index int, tag BackendTag) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[device]
	if !ok {
		return nil, fmt.Errorf("stream registry: invalid device id %d", device)
	}
	k := key{device, index}
	if st, ok := r.streams[k]; ok {
		return st, nil
	}
	st := New(d, index, tag)
	r.streams[k] = st
	return st, nil
}

// SyncDevice drains every stream registered against device.
func (r *Registry) SyncDevice(device int) {
	r.mu.Lock()
	var toSync []*Stream
	for k, st := range r.streams {
		if k.device == device {
			toSync = append(toSync, st)
		}
	}
	r.mu.Unlock()
	for _, st := range toSync {
		st.Sync()
	}
}

// DefaultCPUDevice is the synthetic single device the CPU backend registers
// itself against, sized by the number of logical CPUs.
func DefaultCPUDevice() *Device {
	return &Device{ID: 0, SMCount: runtime.NumCPU(), SharedMemBytes: 48 * 1024}
}
