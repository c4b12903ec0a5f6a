// phantom-agent is the LD_PRELOAD capture agent, built as a shared library:
//
//	go build -buildmode=c-shared -o libphantom_agent.so ./cmd/phantom-agent
//
// Inject it with:
//
//	LD_PRELOAD=/path/to/libphantom_agent.so PHANTOM_SOCKET=/tmp/phantom.sock <cmd>
//
// The C shims in hooks.c interpose the libc socket calls and the OpenSSL
// read/write functions, then hand the transferred bytes to the tracker
// here. Statically linked TLS (Go's crypto/tls, rustls) never reaches
// libssl and is only seen in its encrypted form; use the proxy backend for
// those targets.
package main

/*
#cgo LDFLAGS: -ldl
#include <stdint.h>
*/
import "C"

import (
	"fmt"
	"os"
	"strconv"
	"unsafe"

	"github.com/epli2/phantom/pkg/agent"
)

var tracker = agent.NewTracker(agent.NewSocketEmitter())

// mysqlPort is the destination port treated as MySQL (PHANTOM_MYSQL_PORT,
// default 3306).
var mysqlPort = func() int {
	if v := os.Getenv("PHANTOM_MYSQL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return 3306
}()

//export phantomObserveOutbound
func phantomObserveOutbound(key C.uintptr_t, data unsafe.Pointer, n C.long, tls C.int) {
	if n <= 0 {
		return
	}
	tracker.Outgoing(uintptr(key), C.GoBytes(data, C.int(n)), tls != 0)
}

//export phantomObserveInbound
func phantomObserveInbound(key C.uintptr_t, data unsafe.Pointer, n C.long) {
	if n <= 0 {
		return
	}
	tracker.Incoming(uintptr(key), C.GoBytes(data, C.int(n)))
}

//export phantomObserveClose
func phantomObserveClose(key C.uintptr_t) {
	tracker.Teardown(uintptr(key))
}

//export phantomObserveConnect
func phantomObserveConnect(key C.uintptr_t, addr *C.char, port C.int) {
	if int(port) != mysqlPort {
		return
	}
	dest := fmt.Sprintf("%s:%d", C.GoString(addr), int(port))
	tracker.MarkMysql(uintptr(key), dest)
}

func main() {}
