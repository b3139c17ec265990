package utils

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization when a caller does not
// request a specific worker count.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
	quarterProcs := float64(ParallelFactor) * .25
	if quarterProcs > 8 {
		ParallelFactor = int(quarterProcs)
	}
}

type (
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int) error
	// GroupWorkFunc runs to determine what work members should do, if any.
	GroupWorkFunc func(groupNum, groupSize, from, to int) MemberWorkFunc
)

// GroupWorkParallel splits totalSize work items into at most `workers` contiguous groups and runs
// each group on its own goroutine. A non-positive worker count uses ParallelFactor. The first
// error of each group stops that group; all errors are combined. Panics are captured and
// reported as errors.
func GroupWorkParallel(ctx context.Context, workers, totalSize int, groupWork GroupWorkFunc) error {
	if totalSize <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = ParallelFactor
	}
	numGroups := MinInt(workers, totalSize)
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	var (
		wait    sync.WaitGroup
		errMu   sync.Mutex
		errs    error
		addErrs = func(err error) {
			errMu.Lock()
			errs = multierr.Combine(errs, err)
			errMu.Unlock()
		}
	)
	wait.Add(numGroups)
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		groupNumCopy := groupNum
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			defer func() {
				if thePanic := recover(); thePanic != nil {
					addErrs(fmt.Errorf("got panic running group %d in parallel: %v", groupNumCopy, thePanic))
				}
			}()
			groupNum := groupNumCopy

			thisGroupSize := groupSize
			thisExtra := 0
			if groupNum == (numGroups - 1) {
				thisExtra = extra
				thisGroupSize += thisExtra
			}
			from := groupSize * groupNum
			to := (groupSize * (groupNum + 1)) + thisExtra
			memberWork := groupWork(groupNum, thisGroupSize, from, to)
			if memberWork == nil {
				return
			}
			memberNum := 0
			for workNum := from; workNum < to; workNum++ {
				if err := ctx.Err(); err != nil {
					addErrs(err)
					return
				}
				if err := memberWork(memberNum, workNum); err != nil {
					addErrs(err)
					return
				}
				memberNum++
			}
		})
	}
	wait.Wait()
	return errs
}
