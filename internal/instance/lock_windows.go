//go:build windows

package instance

import (
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

type lockHandle struct {
	h windows.Handle
}

func (l *Lock) acquire() error {
	pathPtr, err := syscall.UTF16PtrFromString(l.path)
	if err != nil {
		return err
	}

	h, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, // exclusive: no sharing
		nil,
		windows.CREATE_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return err
	}
	l.handle = lockHandle{h: h}

	pid := []byte(strconv.Itoa(os.Getpid()))
	var written uint32
	windows.WriteFile(h, pid, &written, nil)
	return nil
}

func (l *Lock) release() {
	if l.handle.h != 0 {
		windows.CloseHandle(l.handle.h)
	}
}
