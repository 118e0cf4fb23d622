//go:build !linux

package hosted

import "runtime"

// threadID is unavailable; every caller is treated as the bootstrap core.
func threadID() int {
	return -1
}

func hostCPUs() []int {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

func pinThread(int) error {
	return nil
}
