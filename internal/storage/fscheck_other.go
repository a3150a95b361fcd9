//go:build !darwin && !linux

package storage

import "errors"

var errNoFSDetection = errors.New("filesystem type detection unsupported on this platform")

func filesystemType(string) (string, error) {
	return "", errNoFSDetection
}
