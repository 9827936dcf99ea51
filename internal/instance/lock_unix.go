//go:build !windows

package instance

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

type lockHandle struct {
	fd int
}

func (l *Lock) acquire() error {
	fd, err := unix.Open(l.path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return err
	}
	l.handle = lockHandle{fd: fd}

	pid := []byte(strconv.Itoa(os.Getpid()))
	unix.Ftruncate(fd, 0)
	unix.Pwrite(fd, pid, 0)
	return nil
}

func (l *Lock) release() {
	if l.handle.fd != 0 {
		unix.Flock(l.handle.fd, unix.LOCK_UN)
		unix.Close(l.handle.fd)
	}
}
