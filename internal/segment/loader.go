package segment

import "context"

// Loader invokes the external zone loader against a writable Segment. The
// DNS wire parser and the RRset/zone data structures it populates are
// external collaborators (SPEC_FULL.md §1); memmgr only calls Load and
// reacts to its error.
//
// An empty zoneName means "load all zones defined for this data source".
type Loader interface {
	Load(ctx context.Context, seg Segment, class, dataSource, zoneName string) error
}
