package identityqueue

import "os"

// writeFile is the small os.WriteFile wrapper DEBUG_NETWORK_DUMP_MODE
// uses to archive a dequeued file; kept as its own function so it is the
// one seam a test can intercept without touching Queue's locking.
func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}
