//go:build chaos

package dispatch

import "github.com/stark-io/stark/pkg/stark"

// SetFilter installs a pre-dispatch message filter: a true return silently
// drops the frame. Only compiled under the chaos tag.
func (s *Server) SetFilter(filter func(nodeID string, msg *stark.Message) bool) {
	s.filter = filter
}
