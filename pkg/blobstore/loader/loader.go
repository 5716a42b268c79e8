// Package loader loads the blobstore drivers.
package loader

import (
	// Load core blobstore drivers.
	_ "github.com/dropchest/dropchest/pkg/blobstore/memory"
	_ "github.com/dropchest/dropchest/pkg/blobstore/s3"
)
