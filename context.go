package lockfs

import (
	"github.com/keks/lockfs/header"
	"github.com/keks/lockfs/storage"
)

// RamHeader is the in-RAM per-tag state Mount, StartWrite, Write, and
// FinishWrite all operate on.
//
// During scan, Current mirrors the most recent on-flash header known for
// the tag, StartBlock/CurrentBlock both point at the chain's start block,
// and Size accumulates payload bytes observed across the chain.
//
// During a write, Current is the header under construction, CurrentBlock
// is the block currently being filled, and Size holds the payload length
// passed to StartWrite.
type RamHeader struct {
	Current      header.Header
	StartBlock   storage.Addr
	CurrentBlock storage.Addr
	Size         uint32
}

// Context is the in-RAM state a caller threads through Mount and the
// write engine: one RamHeader per admissible tag, plus a hint for where
// to reserve the next chain.
type Context struct {
	// Headers is indexed by tag; len(Headers) is the highest admissible
	// tag plus one. Tags >= len(Headers) are ignored by Mount.
	Headers []RamHeader

	// NextFreeBlock is the address to reserve from next, or nil if the
	// device has no free run (it is full).
	NextFreeBlock *storage.Addr
}

// NewContext returns a Context sized for maxTag+1 tags, with every
// RamHeader initialised to the erased state, ready to pass to Mount.
// checksumSize must match the Storage backend's ChecksumSize().
func NewContext(maxTag int, checksumSize int) *Context {
	headers := make([]RamHeader, maxTag+1)
	for i := range headers {
		headers[i] = RamHeader{Current: header.Erased(checksumSize)}
	}
	return &Context{Headers: headers}
}

// Size returns the payload length of tag's live chain, and whether one
// exists.
func (c *Context) Size(tag uint8) (uint32, bool) {
	if int(tag) >= len(c.Headers) {
		return 0, false
	}
	rh := c.Headers[tag]
	if rh.Current.IsErased() {
		return 0, false
	}
	return rh.Size, true
}

// Revision returns the revision of tag's live chain, and whether one
// exists.
func (c *Context) Revision(tag uint8) (uint8, bool) {
	if int(tag) >= len(c.Headers) {
		return 0, false
	}
	rh := c.Headers[tag]
	if rh.Current.IsErased() {
		return 0, false
	}
	return rh.Current.Revision, true
}
