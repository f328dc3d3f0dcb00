//go:build linux

package acquisition

import "golang.org/x/sys/unix"

// pinToCore binds the calling OS thread to one logical core.
func pinToCore(core int) error {
	if core < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
