// Package storage holds the byte level backends the disk queue reads blocks
// from and writes blocks to.
package storage

import (
	"io"

	"github.com/james-lawrence/peerwire/internal/errorsx"
)

const ErrClosed = errorsx.String("storage closed")

// TorrentImpl data storage bound to a single transfer.
type TorrentImpl interface {
	io.ReaderAt
	io.WriterAt
	Close() error
}
