// Package buddy implements a binary buddy memory allocator over a single
// anonymous memory mapping. Blocks are split on allocation and merged with
// their buddy on free, so the pool tends back toward one maximal block.
package buddy

import (
	"log"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	DEFAULT_K uint = 30 // pool order used when Init is given size zero, 2^30 bytes
	MIN_K     uint = 6  // smallest block order; 2^MIN_K must cover the Avail header
	MAX_K     uint = 48 // exclusive upper bound on order, largest admissible order is MAX_K-1

	BLOCK_AVAIL    uint16 = 1 // block is on a free list
	BLOCK_RESERVED uint16 = 0 // block has been handed to the user
	BLOCK_UNUSED   uint16 = 3 // sentinel node, never a real block
)

// Avail is the in-band header at the start of every block, free or reserved.
// Free blocks are threaded through next/prev into the circular list for
// their order; the list heads in the pool are full Avail records too, which
// keeps splice and unlink down to four unconditional writes.
type Avail struct {
	tag  uint16 // BLOCK_AVAIL, BLOCK_RESERVED or BLOCK_UNUSED
	kval uint16 // block order, the block spans 2^kval bytes including this header
	next *Avail
	prev *Avail
}

// Pool manages one contiguous region of 2^kvalM bytes.
type Pool struct {
	kvalM    uint             // max order, the whole region is one block of this order
	numBytes uintptr          // 2^kvalM
	base     uintptr          // address of the mapped region
	avail    [MAX_K + 1]Avail // sentinel heads of the per-order free lists
	lock     sync.Mutex       // guards every entry point
}

// Btok returns the smallest k such that 2^k >= bytes.
func Btok(bytes uintptr) uint {
	var k uint
	for (uintptr(1) << k) < bytes {
		k++
	}
	return k
}

// buddyCalc returns the address of block's buddy. Two blocks of order k are
// buddies iff their offsets from base differ only in bit k, so flipping that
// bit with XOR is a branch-free lookup. The caller must inspect the buddy's
// header before trusting it: the result is an address, not a free block.
func buddyCalc(pool *Pool, block *Avail) *Avail {
	if pool == nil || block == nil {
		return nil
	}
	offset := uintptr(unsafe.Pointer(block)) - pool.base
	buddyOffset := offset ^ (uintptr(1) << block.kval)
	return (*Avail)(unsafe.Pointer(pool.base + buddyOffset))
}

// Init maps a region of 2^k bytes, where k is btok of the requested size
// clamped into [MIN_K, MAX_K-1], or DEFAULT_K when size is zero. The whole
// region becomes a single free block on avail[k]. A pool without its region
// cannot function at all, so a mapping failure terminates the process.
func Init(pool *Pool, size uintptr) {
	pool.lock.Lock()
	defer pool.lock.Unlock()

	var kval uint
	if size == 0 {
		kval = DEFAULT_K
	} else {
		kval = Btok(size)
	}
	if kval < MIN_K {
		kval = MIN_K
	}
	if kval >= MAX_K {
		kval = MAX_K - 1
	}

	pool.kvalM = kval
	pool.numBytes = uintptr(1) << kval

	data, err := unix.Mmap(-1, 0, int(pool.numBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		log.Fatalf("buddy: cannot map %d bytes: %v", pool.numBytes, err)
	}
	pool.base = uintptr(unsafe.Pointer(&data[0]))

	// Empty circular lists are sentinels pointing at themselves. The tag and
	// kval on a sentinel are never consulted on the hot path, they only aid
	// debugging.
	for i := range pool.avail {
		pool.avail[i].next = &pool.avail[i]
		pool.avail[i].prev = &pool.avail[i]
		pool.avail[i].kval = uint16(i)
		pool.avail[i].tag = BLOCK_UNUSED
	}

	// Thread the single maximal block onto its list:
	// avail[kval] <-> firstBlock <-> avail[kval]
	firstBlock := (*Avail)(unsafe.Pointer(pool.base))
	firstBlock.tag = BLOCK_AVAIL
	firstBlock.kval = uint16(kval)
	firstBlock.next = &pool.avail[kval]
	firstBlock.prev = &pool.avail[kval]
	pool.avail[kval].next = firstBlock
	pool.avail[kval].prev = firstBlock
}

// Malloc returns a pointer to size usable bytes, or nil with unix.ENOMEM
// when no block of sufficient order exists. The reservation covers the
// header as well as the user bytes, since the header is carved from the
// block itself.
func Malloc(pool *Pool, size uint) (unsafe.Pointer, error) {
	if pool == nil || size == 0 {
		return nil, nil
	}
	pool.lock.Lock()
	defer pool.lock.Unlock()

	k := Btok(uintptr(size) + unsafe.Sizeof(Avail{}))

	// The oversize check must precede the MIN_K raise; clamping an order
	// down would hand back a block smaller than the request.
	if k > pool.kvalM {
		return nil, unix.ENOMEM
	}
	if k < MIN_K {
		k = MIN_K
	}

	// Walk upward to the first order with a free block.
	idx := k
	for idx <= pool.kvalM && pool.avail[idx].next == &pool.avail[idx] {
		idx++
	}
	if idx > pool.kvalM {
		return nil, unix.ENOMEM
	}

	block := removeFirst(&pool.avail[idx])

	// Split down to the requested order. The lower half stays with us and
	// the upper half goes onto the free list for the new order.
	for idx > k {
		idx--
		buddy := (*Avail)(unsafe.Pointer(uintptr(unsafe.Pointer(block)) + (uintptr(1) << idx)))
		buddy.tag = BLOCK_AVAIL
		buddy.kval = uint16(idx)
		insertBlock(&pool.avail[idx], buddy)

		block.kval = uint16(idx)
	}

	block.tag = BLOCK_RESERVED

	return unsafe.Pointer(uintptr(unsafe.Pointer(block)) + unsafe.Sizeof(Avail{})), nil
}

// removeFirst unlinks and returns the first element of a circular list, or
// nil when the list is only its sentinel.
func removeFirst(head *Avail) *Avail {
	first := head.next
	if first == head {
		return nil
	}
	first.prev.next = first.next
	first.next.prev = first.prev

	first.next = nil
	first.prev = nil

	return first
}

// insertBlock splices block in at the head: head <-> block <-> head.next.
func insertBlock(head *Avail, block *Avail) {
	block.next = head.next
	block.prev = head

	head.next.prev = block
	head.next = block
}

// Free returns a user pointer previously handed out by Malloc on this pool.
// The block is merged with its buddy as long as the buddy is free at the
// same order, then inserted into the free list for the final order.
func Free(pool *Pool, ptr unsafe.Pointer) {
	if pool == nil || ptr == nil {
		return
	}
	pool.lock.Lock()
	defer pool.lock.Unlock()

	blockAddr := uintptr(ptr) - unsafe.Sizeof(Avail{})
	block := (*Avail)(unsafe.Pointer(blockAddr))

	block.tag = BLOCK_AVAIL
	coalesce(pool, block)
}

// coalesce merges block upward while its buddy is free at the same order.
// The block of order kvalM has no buddy, its computed buddy address would
// land past the end of the mapping, so the loop stops there. Each merge
// keeps the lower address as the surviving block and strictly increases
// kval, which bounds the loop by kvalM.
func coalesce(pool *Pool, block *Avail) {
	for uint(block.kval) < pool.kvalM {
		buddy := buddyCalc(pool, block)
		if buddy.tag != BLOCK_AVAIL || buddy.kval != block.kval {
			break
		}

		// Unlink the buddy; the pair becomes one block of the next order.
		buddy.prev.next = buddy.next
		buddy.next.prev = buddy.prev
		buddy.next = nil
		buddy.prev = nil

		if uintptr(unsafe.Pointer(buddy)) < uintptr(unsafe.Pointer(block)) {
			block = buddy
		}
		block.kval++
	}

	insertBlock(&pool.avail[block.kval], block)
}

// Destroy unmaps the backing region and zeroes the pool record. Any use of
// the pool or of pointers into it after Destroy is undefined. A release
// failure terminates the process.
func Destroy(pool *Pool) {
	if pool == nil {
		return
	}
	pool.lock.Lock()
	if pool.base == 0 {
		pool.lock.Unlock()
		return
	}

	// Munmap wants the mapping back as a byte slice; rebuild one of exactly
	// numBytes over the base address.
	dataPtr := unsafe.Pointer(pool.base)
	if err := unix.Munmap(unsafe.Slice((*byte)(dataPtr), pool.numBytes)); err != nil {
		log.Fatalf("buddy: cannot unmap %d bytes: %v", pool.numBytes, err)
	}

	// Zero the record only after releasing the lock, the mutex lives inside
	// the record.
	pool.lock.Unlock()
	*pool = Pool{}
}
