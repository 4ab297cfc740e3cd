package ports

import "github.com/dataforeman/connectivity/internal/domain"

type WALEntryID uint64

type WAL interface {
	Append(p *domain.Point) (WALEntryID, error)
	Iterate(from WALEntryID, fn func(id WALEntryID, p *domain.Point) error) error
	Commit(upto WALEntryID) error
	TruncateCommitted() error
	Flush() error
	Close() error
	Stats() WALStats
}

type WALStats struct {
	OldestUncommitted WALEntryID
	LatestAppended    WALEntryID
	SizeBytes         int64
}
