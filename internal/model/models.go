// Package model holds the plain data structures shared across the metadata
// cache, the cloud client, and the HTTP handlers.
package model

import "time"

// FileNode is the unit of cache state: one row per remote file or
// directory known to the gateway.
type FileNode struct {
	FileID    int64     // the cloud provider's globally unique identifier; primary key
	ParentID  int64     // file_id of the containing directory; 0 is the account root
	Name      string    // the last path segment
	IsDir     bool
	Size      int64     // byte count, 0 for directories
	Etag      string    // MD5 for objects, an opaque version token for directories
	UpdatedAt time.Time // last-seen remote timestamp
}
