package reviewlock_test

import (
	"sync"

	"dtiqc/internal/proclog"
)

type storeType = *proclog.Store

// Lockers built within one test share a directory or database so separate
// claimants contend for the same markers.
var (
	sharedDirs   sync.Map
	sharedStores sync.Map
)
