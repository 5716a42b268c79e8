// Package registry holds the blobstore driver registry.
package registry

import "github.com/dropchest/dropchest/pkg/blobstore"

// NewFunc is the function that blobstore drivers
// should register at init time.
type NewFunc func(map[string]interface{}) (blobstore.Blobstore, error)

// NewFuncs is a map containing all the registered blobstore drivers.
var NewFuncs = map[string]NewFunc{}

// Register registers a new blobstore driver new function.
// Not safe for concurrent use. Safe for use from package init.
func Register(name string, f NewFunc) {
	NewFuncs[name] = f
}
