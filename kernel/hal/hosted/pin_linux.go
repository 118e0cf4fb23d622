package hosted

import "golang.org/x/sys/unix"

// threadID returns the id of the calling OS thread.
func threadID() int {
	return unix.Gettid()
}

// hostCPUs returns the host processors the process may run on.
func hostCPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil
	}

	var cpus []int
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus
}

// pinThread restricts the calling OS thread to a single host processor.
func pinThread(hostCPU int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(hostCPU)
	return unix.SchedSetaffinity(0, &set)
}
