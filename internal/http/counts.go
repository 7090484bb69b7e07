package http

import (
	"context"
)

// collectCounts summarizes the loaded policy, catalogs and approval queue.
// A component that is not configured, or fails to answer, counts as -1.
func (s *Server) collectCounts(ctx context.Context) StatusCounts {
	counts := StatusCounts{
		PolicyRules:      len(s.deps.Policy.Rules()),
		PolicyVersion:    s.deps.Policy.Version(),
		Models:           -1,
		Tools:            -1,
		PendingApprovals: -1,
	}
	if s.deps.Registry != nil {
		counts.Models = len(s.deps.Registry.Models())
	}
	if s.deps.Tools != nil {
		counts.Tools = len(s.deps.Tools.Catalog().List())
		if pending, err := s.deps.Tools.Pending(ctx); err == nil {
			counts.PendingApprovals = len(pending)
		}
	}
	return counts
}
