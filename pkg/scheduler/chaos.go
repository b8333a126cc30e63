//go:build chaos

package scheduler

import "github.com/stark-io/stark/pkg/stark"

// SetVeto installs a pre-bind veto. A true return rejects the placement as
// if the node had failed filtering. Only compiled under the chaos tag.
func (s *Scheduler) SetVeto(veto func(pod *stark.Pod, node *stark.Node) bool) {
	s.veto = veto
}
