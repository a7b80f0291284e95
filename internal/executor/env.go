package executor

import "os"

// osEnviron is a seam for tests that need a deterministic base environment.
var osEnviron = os.Environ
