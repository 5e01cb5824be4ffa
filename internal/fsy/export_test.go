package fsy

// WaitOutstanding blocks until every push and pull goroutine has returned.
func (e *Engine) WaitOutstanding() { e.inflight.Wait() }

func (e *Engine) QueueLen() int { return e.queue.Len() }

// CurrentVersion returns the version of a file group's only member.
func (e *Engine) CurrentVersion(group string) Version { return e.versions[Member{Group: group}] }

func (e *Engine) MemberVersion(m Member) Version { return e.versions[m] }

// DirtyVersion returns the version waiting to be pushed for a file group.
func (e *Engine) DirtyVersion(group string) (Version, bool) {
	return e.DirtyMember(Member{Group: group})
}

func (e *Engine) DirtyMember(m Member) (Version, bool) {
	d, ok := e.dirty[m]
	if !ok {
		return Version{}, false
	}
	return d.version, true
}
