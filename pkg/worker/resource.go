package worker

import (
	"time"

	sigar "github.com/cloudfoundry/gosigar"
)

// processCPUTime returns this process's accumulated CPU time (user +
// system), used to compute the per-job delta_cpu committed alongside
// a job's terminal state (spec §4.4.3 step 3 and step 8).
func processCPUTime(pid int) (time.Duration, error) {
	pt := sigar.ProcTime{}
	if err := pt.Get(pid); err != nil {
		return 0, err
	}
	return time.Duration(pt.Total) * time.Millisecond, nil
}

// processRSS returns this process's current resident set size in
// bytes, sampled by the cancellation monitor to track a job's peak
// memory use.
func processRSS(pid int) (uint64, error) {
	pm := sigar.ProcMem{}
	if err := pm.Get(pid); err != nil {
		return 0, err
	}
	return pm.Resident, nil
}
