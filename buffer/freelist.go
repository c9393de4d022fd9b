package buffer

import (
	"github.com/cockroachdb/errors"
)

type freeNode struct {
	offset int
	size   int
}

// FreeList hands out byte ranges of a fixed-size region, first fit.
// Freed ranges merge with their free neighbours.
type FreeList struct {
	total int
	free  []freeNode
}

// NewFreeList returns a list with all of total free.
func NewFreeList(total int) *FreeList {
	f := &FreeList{total: total}
	f.Clear()
	return f
}

// Total returns the size of the managed region.
func (f *FreeList) Total() int { return f.total }

// FreeSpace returns the number of unallocated bytes.
func (f *FreeList) FreeSpace() int {
	n := 0
	for _, node := range f.free {
		n += node.size
	}
	return n
}

// Allocate reserves size bytes starting at a multiple of alignment and returns their
// offset. Alignment of 0 or 1 places the range anywhere. Padding skipped to reach an
// aligned offset stays free. ok is false when no free range is large enough.
func (f *FreeList) Allocate(size, alignment int) (offset int, ok bool) {
	if size <= 0 {
		return 0, false
	}
	if alignment < 1 {
		alignment = 1
	}
	for i, node := range f.free {
		offset = alignUp(node.offset, alignment)
		pad := offset - node.offset
		if node.size < pad+size {
			continue
		}
		tail := freeNode{offset: offset + size, size: node.size - pad - size}
		switch {
		case pad == 0 && tail.size == 0:
			f.free = append(f.free[:i], f.free[i+1:]...)
		case pad == 0:
			f.free[i] = tail
		case tail.size == 0:
			f.free[i].size = pad
		default:
			f.free[i].size = pad
			f.free = append(f.free, freeNode{})
			copy(f.free[i+2:], f.free[i+1:])
			f.free[i+1] = tail
		}
		return offset, true
	}
	return 0, false
}

func alignUp(n, alignment int) int {
	if r := n % alignment; r != 0 {
		return n + alignment - r
	}
	return n
}

// Free returns a range obtained from Allocate.
func (f *FreeList) Free(offset, size int) error {
	if size <= 0 || offset < 0 || offset+size > f.total {
		return errors.Newf("free range %d+%d outside region of %d bytes", offset, size, f.total)
	}

	i := 0
	for i < len(f.free) && f.free[i].offset < offset {
		i++
	}
	if i > 0 && f.free[i-1].offset+f.free[i-1].size > offset {
		return errors.Newf("free range %d+%d is already free", offset, size)
	}
	if i < len(f.free) && offset+size > f.free[i].offset {
		return errors.Newf("free range %d+%d is already free", offset, size)
	}

	f.free = append(f.free, freeNode{})
	copy(f.free[i+1:], f.free[i:])
	f.free[i] = freeNode{offset: offset, size: size}

	if i+1 < len(f.free) && f.free[i].offset+f.free[i].size == f.free[i+1].offset {
		f.free[i].size += f.free[i+1].size
		f.free = append(f.free[:i+1], f.free[i+2:]...)
	}
	if i > 0 && f.free[i-1].offset+f.free[i-1].size == f.free[i].offset {
		f.free[i-1].size += f.free[i].size
		f.free = append(f.free[:i], f.free[i+1:]...)
	}
	return nil
}

// Resize grows the region to total bytes. The new tail is free.
func (f *FreeList) Resize(total int) error {
	if total < f.total {
		return errors.Newf("cannot shrink free list from %d to %d bytes", f.total, total)
	}
	if total == f.total {
		return nil
	}
	old := f.total
	f.total = total
	return f.Free(old, total-old)
}

// Clear frees the whole region.
func (f *FreeList) Clear() {
	f.free = f.free[:0]
	if f.total > 0 {
		f.free = append(f.free, freeNode{offset: 0, size: f.total})
	}
}
