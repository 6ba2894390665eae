//go:build !windows

package collector

import "fmt"

// NewRegistryProgressSource is only available on Windows; other platforms
// configure a file-backed progress store.
func NewRegistryProgressSource(key string) (ProgressSource, error) {
	return nil, fmt.Errorf("registry progress source requires windows")
}
