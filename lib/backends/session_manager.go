// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"sync"
)

// SessionManager picks a session factory for a backbone according to a
// configured backend priority and the backbone's own backend restrictions.
//
// Usage:
//
//	manager := backends.NewSessionManager()
//	defer manager.Close()
//
//	manager.SetPriority([]BackendSpec{
//	    {Backend: BackendONNX, Device: DeviceGPU},
//	    {Backend: BackendGo, Device: DeviceCPU},
//	})
//
//	session, backend, err := manager.OpenSession(backbonePath, manifest.Backends)
type SessionManager struct {
	priority []BackendSpec
	mu       sync.RWMutex
	closed   bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// SetPriority configures the backend priority order with device preferences.
func (sm *SessionManager) SetPriority(priority []BackendSpec) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.priority = make([]BackendSpec, len(priority))
	copy(sm.priority, priority)
}

// getPriority returns the configured priority or the global default.
func (sm *SessionManager) getPriority() []BackendSpec {
	if len(sm.priority) > 0 {
		result := make([]BackendSpec, len(sm.priority))
		copy(result, sm.priority)
		return result
	}

	globalPriority := GetPriority()
	result := make([]BackendSpec, len(globalPriority))
	for i, bt := range globalPriority {
		result[i] = BackendSpec{Backend: bt, Device: DeviceAuto}
	}
	return result
}

// GetSessionFactory returns the SessionFactory for the specified backend.
func (sm *SessionManager) GetSessionFactory(backend BackendType) (SessionFactory, error) {
	sm.mu.RLock()
	closed := sm.closed
	sm.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("session manager is closed")
	}

	b, ok := GetBackend(backend)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered", backend)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q not available", backend)
	}
	return b.SessionFactory(), nil
}

// OpenSession opens modelPath with the first usable backend. A backend whose
// factory fails to open the file is skipped in favor of the next one, so a
// missing GPU runtime degrades to the CPU backends.
func (sm *SessionManager) OpenSession(modelPath string, modelBackends []string, opts ...SessionOption) (Session, BackendSpec, error) {
	sm.mu.RLock()
	priority := sm.getPriority()
	sm.mu.RUnlock()

	allowed := make(map[BackendType]bool)
	for _, b := range modelBackends {
		allowed[BackendType(b)] = true
	}

	var lastErr error
	for _, spec := range priority {
		if len(modelBackends) > 0 && !allowed[spec.Backend] {
			continue
		}
		factory, err := sm.GetSessionFactory(spec.Backend)
		if err != nil {
			lastErr = err
			continue
		}
		specOpts := append([]SessionOption{WithSessionGPUMode(spec.Device.ToGPUMode())}, opts...)
		session, err := factory.CreateSession(modelPath, specOpts...)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", spec, err)
			continue
		}
		return session, spec, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no backend matches %v", modelBackends)
	}
	return nil, BackendSpec{}, fmt.Errorf("opening %s: %w", modelPath, lastErr)
}

// Close releases all managed resources.
// After Close, the SessionManager cannot be reused.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closed = true
	return nil
}
