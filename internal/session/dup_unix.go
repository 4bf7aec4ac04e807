package session

import "golang.org/x/sys/unix"

// fdDup duplicates a file descriptor so it survives the owning D-Bus
// message being garbage collected, mirroring session_portal.go's use of
// syscall.Dup around the PipeWire remote fd.
func fdDup(fd int) (int, error) {
	return unix.Dup(fd)
}
