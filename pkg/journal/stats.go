package journal

// The methods below satisfy metrics.StatsProvider, letting the metrics
// collector poll a JournalFS directly without importing pkg/journal.

func (j *JournalFS) RelocationsLen() int { return j.relocationsLenUnlocked() }

func (j *JournalFS) BacklogTokensFree() int { return cap(j.backlog) - len(j.backlog) }

// FlusherBroken satisfies metrics.StatsProvider; Broken is the name used
// elsewhere in this package.
func (j *JournalFS) FlusherBroken() bool { return j.Broken() }
