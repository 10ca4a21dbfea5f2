// internal/fs/interfaces.go

package fs

import (
	"bazil.org/fuse/fs"
)

// Node represents a filesystem node (file or directory)
type Node interface {
	fs.Node
	fs.NodeSetattrer
}

// Directory represents a directory in the virtual filesystem
type Directory interface {
	Node
	fs.NodeStringLookuper
	fs.HandleReadDirAller
	fs.NodeMkdirer
	fs.NodeCreater
	fs.NodeRemover
	fs.NodeRenamer
}

// FileInterface represents a file in the virtual filesystem
type FileInterface interface {
	Node
	fs.NodeOpener
	fs.NodeFsyncer
	fs.NodeGetxattrer
	fs.NodeListxattrer
	fs.NodeSetxattrer
	fs.NodeRemovexattrer
}

// FileHandleInterface represents a file opened for reading
type FileHandleInterface interface {
	fs.Handle
	fs.HandleReader
	fs.HandleReleaser
}

// WriteHandleInterface represents a file opened for writing
type WriteHandleInterface interface {
	fs.Handle
	fs.HandleWriter
	fs.HandleFlusher
	fs.HandleReleaser
}

var (
	_ fs.FS                = (*ArchFS)(nil)
	_ fs.FSDestroyer       = (*ArchFS)(nil)
	_ Directory            = (*Dir)(nil)
	_ FileInterface        = (*File)(nil)
	_ FileHandleInterface  = (*ReadHandle)(nil)
	_ WriteHandleInterface = (*WriteHandle)(nil)
)
