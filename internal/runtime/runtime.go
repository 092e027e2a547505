// Package runtime reports host runtime details logged at server startup.
package runtime

import (
	"fmt"
	"math"
	"syscall"

	"golang.org/x/sys/unix"
)

// syscall.RLIM_INFINITY is typed int on most architectures but not all,
// so uniform it to uint64 before comparing.
var unlimited uint64 = syscall.RLIM_INFINITY & math.MaxUint64

// Uname returns the uname of the host machine.
func Uname() string {
	buf := unix.Utsname{}

	if err := unix.Uname(&buf); err != nil {
		panic("unix.Uname failed: " + err.Error())
	}

	fields := []string{
		unix.ByteSliceToString(buf.Sysname[:]),
		unix.ByteSliceToString(buf.Release[:]),
		unix.ByteSliceToString(buf.Version[:]),
		unix.ByteSliceToString(buf.Machine[:]),
		unix.ByteSliceToString(buf.Nodename[:]),
		unix.ByteSliceToString(buf.Domainname[:]),
	}

	str := "(" + fields[0]
	for _, f := range fields[1:] {
		str += " " + f
	}

	return str + ")"
}

// FdLimits returns the soft and hard limits for file descriptors.
func FdLimits() string {
	return getLimits(syscall.RLIMIT_NOFILE, "")
}

func getLimits(resource int, unit string) string {
	rlimit := syscall.Rlimit{}

	if err := syscall.Getrlimit(resource, &rlimit); err != nil {
		panic("syscall.Getrlimit failed: " + err.Error())
	}

	return fmt.Sprintf(
		"(soft=%s, hard=%s)",
		limitToString(rlimit.Cur, unit),
		limitToString(rlimit.Max, unit),
	)
}

func limitToString(v uint64, unit string) string {
	if v == unlimited {
		return "unlimited"
	}

	return fmt.Sprintf("%d%s", v, unit)
}
