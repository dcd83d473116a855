package workspace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

// Locker guards a submission id against concurrent jobs. The returned release
// func must be called exactly once when the job terminates.
type Locker interface {
	Acquire(ctx context.Context, submissionID int64, jobID string) (release func(), err error)
}

// LocalLocker tracks the jobs running inside this process.
type LocalLocker struct {
	mu     sync.Mutex
	active map[int64]string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{active: make(map[int64]string)}
}

func (l *LocalLocker) Acquire(_ context.Context, submissionID int64, jobID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, busy := l.active[submissionID]; busy {
		return nil, fmt.Errorf("%w: held by job %s", domain.ErrJobActive, holder)
	}
	l.active[submissionID] = jobID
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.active[submissionID] == jobID {
				delete(l.active, submissionID)
			}
			l.mu.Unlock()
		})
	}, nil
}

func (l *LocalLocker) IsActive(submissionID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[submissionID]
	return ok
}

func (l *LocalLocker) Active() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int64, 0, len(l.active))
	for id := range l.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ChainLocker acquires every locker in order and unwinds on the first failure.
type ChainLocker []Locker

func (c ChainLocker) Acquire(ctx context.Context, submissionID int64, jobID string) (func(), error) {
	releases := make([]func(), 0, len(c))
	unwind := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		rel, err := l.Acquire(ctx, submissionID, jobID)
		if err != nil {
			unwind()
			return nil, err
		}
		releases = append(releases, rel)
	}
	return unwind, nil
}
