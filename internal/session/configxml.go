package session

import "github.com/proftrace/capd/internal/source"

// CounterDefaultsProvider supplies the default counter set read from
// an external configuration, which the orchestrator merges into the
// operator's explicit counters (explicit requests win on a shared
// key), the way the original daemon adds configuration.xml's defaults. It is an external
// collaborator: the file format and counter catalog are out of scope
// here, same as the capture wire format.
type CounterDefaultsProvider interface {
	// DefaultCounterRequests returns the default counter requests to
	// merge with the explicit ones. IsDefault reports whether the
	// returned set came from defaults (true) as opposed to an explicit
	// external configuration file (false), mirroring
	// getConfigurationXML's isDefault result; the orchestrator only
	// logs it and merges the same way in either case.
	DefaultCounterRequests() (reqs []source.CounterRequest, isDefault bool, err error)
}

// mergeCounterRequests merges externally supplied default requests
// into the operator's explicit requests, with explicit requests
// always taking priority over a same-keyed default — the direct
// analog of Child::run's counterConfigs.count(counter) == 0 check
// before adding a default counter.
func mergeCounterRequests(explicit, defaults []source.CounterRequest) []source.CounterRequest {
	seen := make(map[int]struct{}, len(explicit))

	merged := make([]source.CounterRequest, len(explicit))
	copy(merged, explicit)

	for _, req := range explicit {
		seen[req.Key] = struct{}{}
	}

	for _, def := range defaults {
		if _, ok := seen[def.Key]; ok {
			continue
		}

		merged = append(merged, def)
	}

	return merged
}
