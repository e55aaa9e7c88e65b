// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libfieldsync.so (Android) / fieldsync.framework (iOS)
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"sync"
	"unsafe"
)

var (
	core    = &bridge{}
	lastErr string
	lastMu  sync.RWMutex
)

//export Init
// Init loads the config file at configPath and starts the sync core.
// Returns 0 on success, -1 on failure (see GetLastError).
func Init(configPath *C.char) C.int {
	if err := core.initFromConfig(C.GoString(configPath)); err != nil {
		setLastError(err)
		return -1
	}
	return 0
}

//export Destroy
// Destroy stops the sync core. Init may be called again afterwards.
func Destroy() {
	if err := core.destroy(); err != nil {
		setLastError(err)
	}
}

//export GetLastError
// GetLastError returns the last error as {"code": ..., "error": ...}.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()

	return C.CString(lastErr)
}

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = errorJSON(err)
}

//export FreeString
// FreeString releases a string returned by any export.
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

// result converts a bridge result to a C string, or nil after recording err.
func result(data []byte, err error) *C.char {
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
