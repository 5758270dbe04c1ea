package pid

// Config holds configuration for PID discovery. Unlike the teacher,
// the capture target is always explicit here: an operator names the
// process(es) to watch via this config's process names or cgroup path,
// the session's wait_for_process_command, or an app command to launch, rather than discovering a known client binary by
// name, so no default process name list is offered.
type Config struct {
	// ProcessNames is a list of process names to discover by
	// scanning /proc. E.g. ["my-inference-runtime"].
	ProcessNames []string `yaml:"process_names"`

	// CgroupPath is the cgroup v2 path containing the target
	// processes. E.g. "/sys/fs/cgroup/capture.slice".
	CgroupPath string `yaml:"cgroup_path"`
}
