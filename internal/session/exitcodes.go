package session

import (
	"os"

	"github.com/proftrace/capd/internal/exception"
)

// exitNoSingleton terminates the process immediately: it means a
// signal arrived for an Orchestrator that is not, or is no longer,
// the installed process-wide singleton, which should be structurally
// impossible since the singleton is set before signal delivery is
// armed and released only after it is stopped.
func exitNoSingleton() {
	os.Exit(exception.ExitNoSingleton)
}
