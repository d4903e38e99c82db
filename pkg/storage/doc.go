// Package storage persists full-size images into the photos directory.
//
// Files are named <urlhash>_<unixmillis>.jpg and written through a temporary
// file and rename, so a crash never leaves a truncated image under its final
// name. The filesystem is an afero.Fs so tests can run in memory.
package storage
