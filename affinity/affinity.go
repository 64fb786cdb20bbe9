// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// CPU pinning for reactor threads. Platform-specific implementations live in
// affinity_linux.go and affinity_other.go.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-net/api"
)

// MaxCPU bounds the CPU ids accepted by SetAffinity.
const MaxCPU = 1024

// SetAffinity pins the calling OS thread to the given logical CPU. The
// caller must hold the thread with runtime.LockOSThread for the pin to
// mean anything.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= MaxCPU {
		return fmt.Errorf("affinity: cpu %d out of range [0,%d): %w", cpuID, MaxCPU, api.ErrInvalidArgument)
	}
	return setAffinityPlatform(cpuID)
}

// Pin locks the calling goroutine to its OS thread and pins that thread to
// cpuID. unpin restores the previous CPU mask before releasing the thread.
func Pin(cpuID int) (unpin func(), err error) {
	runtime.LockOSThread()
	restore, err := saveAffinity()
	if err == nil {
		err = SetAffinity(cpuID)
	}
	if err != nil {
		runtime.UnlockOSThread()
		return func() {}, err
	}
	return func() {
		restore()
		runtime.UnlockOSThread()
	}, nil
}
