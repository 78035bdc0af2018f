package dynmesh

import "fmt"

// UpdateHost refreshes the host mirror from the partition store and, when
// the mesh has a device, uploads every patch changed since the last call.
func (m *Mesh) UpdateHost() error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.host.Sync(m.store)
	m.stats.SetPatches(m.store.NumPatches())
	if m.mirror == nil {
		return nil
	}
	ids := m.dirty.Drain()
	if err := m.mirror.Upload(m.store, ids); err != nil {
		return fmt.Errorf("dynmesh: upload patches: %w", err)
	}
	m.logger().Debug("dynmesh: device mirror updated", "patches", len(ids), "capacity", m.mirror.Capacity())
	return nil
}

// HostMirror returns a copy of the host mirror as of the last UpdateHost.
func (m *Mesh) HostMirror() HostSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.host.Snapshot()
}
