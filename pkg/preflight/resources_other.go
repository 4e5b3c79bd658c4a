//go:build !linux

package preflight

import "errors"

// HostResources is only implemented on Linux; elsewhere the resource check
// is skipped with a warning.
func HostResources(string) (Resources, error) {
	return Resources{}, errors.New("host resource probe is only supported on linux")
}
