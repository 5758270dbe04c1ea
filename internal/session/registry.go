package session

import "github.com/proftrace/capd/internal/source"

// DriverRegistry is the primary-source factory plus per-driver SPE
// setup, the abstract collaborator spec.md §6 calls "a driver
// registry producing the primary source factory and per-driver
// counter setup." The register-level counter programming itself is
// out of scope; only the factory boundary lives here.
type DriverRegistry interface {
	// PrimaryBackend returns the hardware counter backend the primary
	// source samples.
	PrimaryBackend() source.Backend

	// SPEDrivers returns every driver capable of claiming an SPE
	// configuration, tried in order by assignSPEs.
	SPEDrivers() []SPEDriver
}

// defaultDriverRegistry is the Linux-backed DriverRegistry: a
// perf_event_open counter backend and no SPE drivers, since
// Statistical Profiling Extension hardware support is itself an
// external collaborator this daemon doesn't implement.
type defaultDriverRegistry struct{}

// NewDefaultDriverRegistry creates the default DriverRegistry.
func NewDefaultDriverRegistry() DriverRegistry {
	return defaultDriverRegistry{}
}

func (defaultDriverRegistry) PrimaryBackend() source.Backend {
	return source.NewPerfBackend()
}

func (defaultDriverRegistry) SPEDrivers() []SPEDriver {
	return nil
}
