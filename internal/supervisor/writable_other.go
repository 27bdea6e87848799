//go:build !unix

package supervisor

import "os"

// IsWritable reports whether the current user may create files in dir,
// by creating and removing a probe file.
func IsWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".extbuild-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
