//go:build windows

package pageant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procFindWindowW         = user32.NewProc("FindWindowW")
	procSendMessageW        = user32.NewProc("SendMessageW")
	procSendMessageTimeoutW = user32.NewProc("SendMessageTimeoutW")
)

const (
	wmCopyData      = 0x004A
	smtoAbortIfHung = 0x0002
)

// copyDataStruct mirrors COPYDATASTRUCT.
type copyDataStruct struct {
	data   uintptr
	length uint32
	ptr    uintptr
}

type win32Transport struct{}

// NewTransport returns the Win32 file mapping and window message transport.
func NewTransport() Transport {
	return win32Transport{}
}

type fileMapping struct {
	name   string
	handle windows.Handle
	addr   uintptr
	view   []byte
}

func (m *fileMapping) Name() string {
	return m.name
}

func (m *fileMapping) Bytes() []byte {
	return m.view
}

// Close unmaps the view and then closes the mapping handle.
func (m *fileMapping) Close() error {
	if m.handle == 0 {
		return nil
	}

	m.view = nil
	unmapErr := windows.UnmapViewOfFile(m.addr)
	if unmapErr != nil {
		unmapErr = os.NewSyscallError("UnmapViewOfFile", unmapErr)
	}

	closeErr := windows.CloseHandle(m.handle)
	if closeErr != nil {
		closeErr = os.NewSyscallError("CloseHandle", closeErr)
	}
	m.handle = 0

	return errors.Join(unmapErr, closeErr)
}

func (win32Transport) CreateSegment(name string, size int) (Segment, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}

	handle, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(size), namePtr)
	if err != nil {
		if handle != 0 {
			windows.CloseHandle(handle)
		}
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}

	addr, err := windows.MapViewOfFile(handle, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(handle)
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}

	return &fileMapping{
		name:   name,
		handle: handle,
		addr:   addr,
		view:   mappedView(addr, size),
	}, nil
}

// mappedView returns the size bytes mapped at addr. The memory belongs to
// the mapping, not the Go heap, and stays valid until UnmapViewOfFile.
func mappedView(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(nil), addr)), size)
}

// Notify sends WM_COPYDATA to the agent window. Without a deadline on ctx
// it blocks like SendMessage; with one it uses SendMessageTimeout.
func (win32Transport) Notify(ctx context.Context, endpoint Endpoint, id uintptr, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("empty notification payload")
	}

	data := copyDataStruct{
		data:   id,
		length: uint32(len(payload)),
		ptr:    uintptr(unsafe.Pointer(&payload[0])),
	}
	defer runtime.KeepAlive(payload)

	deadline, ok := ctx.Deadline()
	if !ok {
		r, _, _ := procSendMessageW.Call(uintptr(endpoint), wmCopyData, 0, uintptr(unsafe.Pointer(&data)))
		return int(int32(r)), nil
	}

	timeout := time.Until(deadline)
	if timeout <= 0 {
		return 0, ErrAgentTimeout
	}

	var result uintptr
	r, _, err := procSendMessageTimeoutW.Call(
		uintptr(endpoint),
		wmCopyData,
		0,
		uintptr(unsafe.Pointer(&data)),
		smtoAbortIfHung,
		uintptr(timeoutMillis(timeout)),
		uintptr(unsafe.Pointer(&result)),
	)
	if r == 0 {
		if errors.Is(err, windows.ERROR_TIMEOUT) {
			return 0, ErrAgentTimeout
		}
		return 0, os.NewSyscallError("SendMessageTimeoutW", err)
	}

	return int(int32(result)), nil
}

type win32Finder struct{}

// NewWindowFinder returns a finder backed by FindWindowW.
func NewWindowFinder() WindowFinder {
	return win32Finder{}
}

func (win32Finder) FindWindow(class, title string) (Endpoint, bool, error) {
	classPtr, err := windows.UTF16PtrFromString(class)
	if err != nil {
		return 0, false, err
	}

	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0, false, err
	}

	err = procFindWindowW.Find()
	if err != nil {
		return 0, false, err
	}

	r, _, _ := procFindWindowW.Call(uintptr(unsafe.Pointer(classPtr)), uintptr(unsafe.Pointer(titlePtr)))
	if r == 0 {
		return 0, false, nil
	}

	return Endpoint(r), true, nil
}
