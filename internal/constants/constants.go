package constants

import "time"

// Filesystem locations of the kernel-side interface.
const (
	DevDir        = "/dev"
	UIOSysClass   = "/sys/class/uio"
	UIONamePrefix = "tcm-user+"
)

// Device defaults.
const (
	// DefaultWorkersPerDevice is the number of worker goroutines spun up per
	// attached device (spec: "typical N=2").
	DefaultWorkersPerDevice = 2

	// DefaultWorkerQueueDepth is the bounded capacity of each worker's
	// pending-command ring.
	DefaultWorkerQueueDepth = 32

	// DefaultBlockSize is the logical block size the file-backed handler
	// reports.
	DefaultBlockSize = 512
)

// Timing constants for device bring-up polling.
const (
	// SysfsPollInterval is how often attach() re-reads a sysfs attribute
	// that is not there yet, e.g. right after an ADDED_DEVICE notification.
	SysfsPollInterval = 10 * time.Millisecond

	// SysfsPollTimeout bounds how long attach() waits for sysfs entries to
	// appear before giving up.
	SysfsPollTimeout = 2 * time.Second
)
