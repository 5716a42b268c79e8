// Package registry holds the catalog driver registry.
package registry

import "github.com/dropchest/dropchest/pkg/chest/catalog"

// NewFunc is the function that catalog drivers
// should register at init time.
type NewFunc func(map[string]interface{}) (catalog.Catalog, error)

// NewFuncs is a map containing all the registered catalog drivers.
var NewFuncs = map[string]NewFunc{}

// Register registers a new catalog driver new function.
// Not safe for concurrent use. Safe for use from package init.
func Register(name string, f NewFunc) {
	NewFuncs[name] = f
}
