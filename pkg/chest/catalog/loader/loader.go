// Package loader loads the catalog drivers.
package loader

import (
	// Load core catalog drivers.
	_ "github.com/dropchest/dropchest/pkg/chest/catalog/memory"
	_ "github.com/dropchest/dropchest/pkg/chest/catalog/sql"
)
