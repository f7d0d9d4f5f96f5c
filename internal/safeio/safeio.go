// Package safeio implements convenient I/O routines that provide additional
// levels of safety in the presence of unexpected failures.
package safeio

import (
	"os"
	"path"
)

// FileOp represents an operation on a file (passed by its name).
type FileOp func(fname string) error

// WriteFile writes data to a file named by filename, atomically and
// durably. It writes to a temporary file in the same directory, fsyncs
// it, renames it into place, and fsyncs the containing directory so the
// rename itself survives a crash.
//
// Before the rename, each of ops is called in order with the name of the
// temporary file; if one fails, the temporary file is removed and that
// error is returned.
//
// Note this relies on same-directory Rename being atomic, which holds in
// most reasonably modern filesystems.
func WriteFile(filename string, data []byte, perm os.FileMode, ops ...FileOp) error {
	dir := path.Dir(filename)

	// We create the temporary file in the same directory, otherwise we
	// would have no expectation of Rename being atomic. We make the file
	// names start with "." so there's no confusion with the originals.
	tmpf, err := os.CreateTemp(dir, "."+path.Base(filename))
	if err != nil {
		return err
	}
	tmpName := tmpf.Name()

	if err = tmpf.Chmod(perm); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if err = tmpf.Sync(); err != nil {
		tmpf.Close()
		os.Remove(tmpName)
		return err
	}

	if err = tmpf.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	for _, op := range ops {
		if err = op(tmpName); err != nil {
			os.Remove(tmpName)
			return err
		}
	}

	if err = os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return err
	}

	return SyncDir(dir)
}

// SyncDir fsyncs a directory, so that renames and unlinks within it are
// durable. On most platforms this is required in addition to fsyncing the
// file itself.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Remove unlinks a path and fsyncs its containing directory, so the
// removal itself is durable.
func Remove(filename string) error {
	if err := os.Remove(filename); err != nil {
		return err
	}
	return SyncDir(path.Dir(filename))
}
