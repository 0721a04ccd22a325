package store

// LogStats is an immutable snapshot of a record log's shape.
// It contains everything a compaction decision needs, without IO.
type LogStats struct {
	// Lines is the number of physical lines in the log, including
	// superseded versions and unparseable lines.
	Lines int64

	// Live is the number of indexed records, i.e. lines that survive compaction.
	Live int64

	// Bytes is the log size on disk.
	Bytes int64
}

// Dead is the number of lines compaction would drop.
func (s LogStats) Dead() int64 {
	return max(s.Lines-s.Live, 0)
}

// DeadRatio is Dead/Lines, or 0 for an empty log.
func (s LogStats) DeadRatio() float64 {
	if s.Lines == 0 {
		return 0
	}
	return float64(s.Dead()) / float64(s.Lines)
}

// CompactionPolicy decides whether a log should be compacted now.
// Policies are pure functions: no IO, no locks, no mutation.
type CompactionPolicy interface {
	ShouldCompact(stats LogStats) bool
}

// CompactionPolicyFunc adapts an ordinary function to CompactionPolicy.
type CompactionPolicyFunc func(stats LogStats) bool

func (f CompactionPolicyFunc) ShouldCompact(stats LogStats) bool {
	return f(stats)
}

// CompositePolicy compacts if any sub-policy says so.
type CompositePolicy struct {
	policies []CompactionPolicy
}

func NewCompositePolicy(policies ...CompactionPolicy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldCompact(stats LogStats) bool {
	for _, p := range c.policies {
		if p != nil && p.ShouldCompact(stats) {
			return true
		}
	}
	return false
}

// DeadRatioPolicy compacts once the share of dead lines exceeds maxRatio.
// A zero ratio disables the policy.
type DeadRatioPolicy struct {
	maxRatio float64
}

func NewDeadRatioPolicy(maxRatio float64) *DeadRatioPolicy {
	return &DeadRatioPolicy{maxRatio: maxRatio}
}

func (p *DeadRatioPolicy) ShouldCompact(stats LogStats) bool {
	if p.maxRatio <= 0 || stats.Dead() == 0 {
		return false
	}
	return stats.DeadRatio() > p.maxRatio
}

// DeadLinesPolicy compacts once more than maxLines lines are dead.
type DeadLinesPolicy struct {
	maxLines int64
}

func NewDeadLinesPolicy(maxLines int64) *DeadLinesPolicy {
	return &DeadLinesPolicy{maxLines: maxLines}
}

func (p *DeadLinesPolicy) ShouldCompact(stats LogStats) bool {
	if p.maxLines <= 0 {
		return false
	}
	return stats.Dead() > p.maxLines
}

// SizePolicy compacts once the log exceeds maxBytes and holds any dead lines.
type SizePolicy struct {
	maxBytes int64
}

func NewSizePolicy(maxBytes int64) *SizePolicy {
	return &SizePolicy{maxBytes: maxBytes}
}

func (p *SizePolicy) ShouldCompact(stats LogStats) bool {
	if p.maxBytes <= 0 {
		return false
	}
	return stats.Bytes > p.maxBytes && stats.Dead() > 0
}

// NeverPolicy never compacts.
type NeverPolicy struct{}

func (NeverPolicy) ShouldCompact(LogStats) bool { return false }

// AlwaysPolicy always compacts. Useful for forced runs and tests.
type AlwaysPolicy struct{}

func (AlwaysPolicy) ShouldCompact(LogStats) bool { return true }
