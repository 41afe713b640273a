//go:build !unix

package discovery

import "syscall"

// reuseAddrControl is a no-op on platforms without SO_REUSEADDR
// semantics worth fighting for (spec.md only requires best-effort
// reuse; a failed bind still surfaces as a Transport error to the
// caller).
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
