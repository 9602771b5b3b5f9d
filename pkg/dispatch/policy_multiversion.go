package dispatch

// OrderMode selects how MultiVersion orders commits within one package.
type OrderMode int

const (
	// FirstReady commits the earliest uncommitted version as soon as it is
	// built, holding later versions until it has finished committing.
	FirstReady OrderMode = iota
	// WaitForAll commits nothing for a package until every submitted version
	// has finished building, then commits them in submission order.
	WaitForAll
)

func (m OrderMode) String() string {
	if m == WaitForAll {
		return "wait-for-all"
	}
	return "first-ready"
}

// MultiVersion orders commits per logical package when several versions of
// it are dispatched together. Versions are ordered by submission. A version
// that fails to build is skipped; a version that fails to commit takes every
// later uncommitted version of its package down with it.
type MultiVersion struct {
	Mode OrderMode
}

func (p MultiVersion) Name() string { return p.Mode.String() }

func (p MultiVersion) Ready(jobs []*Job) ([][]*Job, error) {
	var batches [][]*Job
	for _, group := range byPackage(jobs) {
		if p.Mode == WaitForAll && !settledBuilds(group) {
			continue
		}
		if next := nextToCommit(group); next != nil {
			batches = append(batches, []*Job{next})
		}
	}
	return batches, nil
}

func (p MultiVersion) Cascade(jobs []*Job, failed *Job) []*Job {
	var doomed []*Job
	for _, j := range jobs {
		if j.ID.Package() != failed.ID.Package() || j.seq <= failed.seq {
			continue
		}
		if j.State.Failed() || j.State.Committed() {
			continue
		}
		doomed = append(doomed, j)
	}
	return doomed
}

// nextToCommit returns the earliest version of a package that is built and
// not blocked by an earlier version, or nil.
func nextToCommit(group []*Job) *Job {
	for _, j := range group {
		switch {
		case j.State.Failed(), j.State.Committed():
			continue
		case j.State == StateBuilt:
			return j
		default:
			// still building, or an earlier version is committing
			return nil
		}
	}
	return nil
}

func settledBuilds(group []*Job) bool {
	for _, j := range group {
		if j.State.Before(StateBuilt) {
			return false
		}
	}
	return true
}

// byPackage groups jobs by logical package, keeping submission order both
// between and within groups.
func byPackage(jobs []*Job) [][]*Job {
	index := make(map[string]int)
	var groups [][]*Job
	for _, j := range jobs {
		pkg := j.ID.Package()
		i, ok := index[pkg]
		if !ok {
			i = len(groups)
			index[pkg] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], j)
	}
	return groups
}
