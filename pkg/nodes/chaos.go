//go:build chaos

package nodes

// SetAttenuate installs a heartbeat attenuation hook: a true return drops
// the heartbeat as if the node had gone silent. Only compiled under the
// chaos tag.
func (r *Registry) SetAttenuate(attenuate func(nodeID string) bool) {
	r.attenuate = attenuate
}
