package scalellm

import (
	"errors"
	"fmt"
)

// BlockCopy instructs the executor to copy KV content between physical
// blocks (copy-on-write divergence).
type BlockCopy struct {
	Src int
	Dst int
}

// BlockSwap instructs the executor to move KV content between the device
// pool and the host pool.
type BlockSwap struct {
	Src int
	Dst int
}

var errBlocksShared = errors.New("block table has shared blocks")

// BlockTable is a sequence's ordered mapping from logical token position
// to physical block id. It never frees blocks directly; every release
// goes through the allocator.
type BlockTable struct {
	alloc           *BlockAllocator
	blocks          []int
	numTokens       int
	numCachedTokens int
	released        bool
	swapped         bool
}

// NewBlockTable creates an empty table bound to an allocator.
func NewBlockTable(alloc *BlockAllocator) *BlockTable {
	return &BlockTable{alloc: alloc}
}

// NumBlocksNeeded returns how many blocks a token count occupies.
func NumBlocksNeeded(numTokens, blockSize int) int {
	return (numTokens + blockSize - 1) / blockSize
}

// AllocateForTokens allocates blocks for an entire token history in one
// shot, reusing cached prefix blocks where the allocator has them. On
// ErrNoFreeBlocks everything allocated so far is rolled back, leaving the
// pool unchanged.
func (bt *BlockTable) AllocateForTokens(tokens []int) error {
	if len(bt.blocks) > 0 {
		panic("block table: already allocated")
	}
	blockSize := bt.alloc.BlockSize()
	numBlocks := NumBlocksNeeded(len(tokens), blockSize)

	var prefixHash uint64
	cacheMiss := false
	for i := 0; i < numBlocks; i++ {
		start := i * blockSize
		end := min(start+blockSize, len(tokens))
		chunk := tokens[start:end]

		var h uint64
		if len(chunk) == blockSize {
			prefixHash = ComputeBlockHash(prefixHash, chunk)
			h = prefixHash
		} else {
			h = 0
		}

		var id int
		var shared bool
		var err error
		if h != 0 && !cacheMiss {
			id, shared, err = bt.alloc.AllocateOrShare(h, chunk)
		} else {
			id, err = bt.alloc.Allocate()
		}
		if err != nil {
			bt.rollback()
			return err
		}
		if shared {
			bt.numCachedTokens += blockSize
		} else {
			cacheMiss = true
			if h != 0 {
				bt.alloc.SealBlock(id, h, chunk)
			}
		}
		bt.blocks = append(bt.blocks, id)
	}
	bt.numTokens = len(tokens)
	return nil
}

func (bt *BlockTable) rollback() {
	for i := len(bt.blocks) - 1; i >= 0; i-- {
		bt.alloc.Free(bt.blocks[i])
	}
	bt.blocks = nil
	bt.numCachedTokens = 0
	bt.numTokens = 0
}

// EnsureSlot guarantees a writable KV slot for the last appended token,
// whose cache entry is computed in the upcoming step. Crossing a block
// boundary allocates a fresh block; writing into a shared partial block
// triggers copy-on-write and returns the copy the executor must perform.
func (bt *BlockTable) EnsureSlot() (*BlockCopy, error) {
	blockSize := bt.alloc.BlockSize()
	pos := bt.numTokens - 1
	if pos < 0 {
		panic("block table: slot for empty table")
	}
	if pos >= len(bt.blocks)*blockSize {
		// A multi-token result can leave the slot more than one block
		// past the current coverage; allocate until pos fits. A partial
		// failure leaves extra blocks behind, released with the table.
		for pos >= len(bt.blocks)*blockSize {
			id, err := bt.alloc.Allocate()
			if err != nil {
				return nil, err
			}
			bt.blocks = append(bt.blocks, id)
		}
		return nil, nil
	}

	last := bt.blocks[pos/blockSize]
	if bt.alloc.RefCount(last) > 1 {
		dst, err := bt.alloc.CopyOnWrite(last)
		if err != nil {
			return nil, err
		}
		bt.blocks[pos/blockSize] = dst
		return &BlockCopy{Src: last, Dst: dst}, nil
	}
	return nil, nil
}

// CommitToken advances the logical length after a token append. history
// is the sequence's full token history including the new token; when the
// last block just filled it is sealed for prefix reuse.
func (bt *BlockTable) CommitToken(history []int) {
	bt.numTokens++
	if bt.numTokens != len(history) {
		panic(fmt.Sprintf("block table: commit out of sync (%d != %d)", bt.numTokens, len(history)))
	}
	blockSize := bt.alloc.BlockSize()
	if bt.numTokens%blockSize != 0 {
		return
	}
	blkIdx := bt.numTokens/blockSize - 1
	if blkIdx >= len(bt.blocks) {
		// The final token's block has not been allocated yet; it is
		// sealed once a slot is ensured for it.
		return
	}
	var prefixHash uint64
	if blkIdx > 0 {
		prefixHash = bt.alloc.blocks[bt.blocks[blkIdx-1]].Hash
	}
	chunk := history[bt.numTokens-blockSize : bt.numTokens]
	h := ComputeBlockHash(prefixHash, chunk)
	bt.alloc.SealBlock(bt.blocks[blkIdx], h, chunk)
}

// SlotFor maps a token index to its physical block and in-block offset.
func (bt *BlockTable) SlotFor(tokenIndex int) (int, int, error) {
	if tokenIndex < 0 || tokenIndex >= bt.numTokens {
		return -1, -1, fmt.Errorf("token index %d out of range [0, %d)", tokenIndex, bt.numTokens)
	}
	blockSize := bt.alloc.BlockSize()
	if tokenIndex/blockSize >= len(bt.blocks) {
		return -1, -1, fmt.Errorf("token index %d has no slot yet", tokenIndex)
	}
	return bt.blocks[tokenIndex/blockSize], tokenIndex % blockSize, nil
}

// Fork duplicates the table for a sibling sequence, adding a reference to
// every block.
func (bt *BlockTable) Fork() *BlockTable {
	forked := &BlockTable{
		alloc:           bt.alloc,
		blocks:          append([]int(nil), bt.blocks...),
		numTokens:       bt.numTokens,
		numCachedTokens: bt.numCachedTokens,
	}
	for _, id := range bt.blocks {
		bt.alloc.Fork(id)
	}
	return forked
}

// Release returns every block to the allocator, in reverse order so the
// least reusable block is first in line for eviction. It must be called
// exactly once.
func (bt *BlockTable) Release() {
	if bt.released {
		panic("block table: double release")
	}
	for i := len(bt.blocks) - 1; i >= 0; i-- {
		bt.alloc.Free(bt.blocks[i])
	}
	bt.blocks = nil
	bt.numCachedTokens = 0
	bt.released = true
}

// ReleaseSwapped releases a swapped-out table's blocks into the host
// pool. Used when a swapped request finishes or is cancelled before it
// can be swapped back in.
func (bt *BlockTable) ReleaseSwapped(host *BlockAllocator) {
	if bt.released {
		panic("block table: double release")
	}
	if !bt.swapped {
		panic("block table: swapped release of resident table")
	}
	for i := len(bt.blocks) - 1; i >= 0; i-- {
		host.Free(bt.blocks[i])
	}
	bt.blocks = nil
	bt.released = true
}

// SwapOut relocates the table's blocks to the host pool, freeing the
// device blocks. Tables with shared blocks cannot be swapped; the caller
// falls back to recompute preemption.
func (bt *BlockTable) SwapOut(host *BlockAllocator) ([]BlockSwap, error) {
	for _, id := range bt.blocks {
		if bt.alloc.RefCount(id) > 1 {
			return nil, errBlocksShared
		}
	}
	swaps := make([]BlockSwap, 0, len(bt.blocks))
	hostIDs := make([]int, 0, len(bt.blocks))
	for _, id := range bt.blocks {
		hostID, err := host.Allocate()
		if err != nil {
			for _, h := range hostIDs {
				host.Free(h)
			}
			return nil, err
		}
		hostIDs = append(hostIDs, hostID)
		swaps = append(swaps, BlockSwap{Src: id, Dst: hostID})
	}
	for _, id := range bt.blocks {
		bt.alloc.Free(id)
	}
	bt.blocks = hostIDs
	bt.swapped = true
	return swaps, nil
}

// SwapIn brings a swapped-out table back onto the device pool.
func (bt *BlockTable) SwapIn(host *BlockAllocator) ([]BlockSwap, error) {
	if !bt.swapped {
		panic("block table: swap-in of resident table")
	}
	swaps := make([]BlockSwap, 0, len(bt.blocks))
	deviceIDs := make([]int, 0, len(bt.blocks))
	for _, hostID := range bt.blocks {
		id, err := bt.alloc.Allocate()
		if err != nil {
			for _, d := range deviceIDs {
				bt.alloc.Free(d)
			}
			return nil, err
		}
		deviceIDs = append(deviceIDs, id)
		swaps = append(swaps, BlockSwap{Src: hostID, Dst: id})
	}
	for _, hostID := range bt.blocks {
		host.Free(hostID)
	}
	bt.blocks = deviceIDs
	bt.swapped = false
	return swaps, nil
}

// Blocks returns a snapshot of the physical block ids.
func (bt *BlockTable) Blocks() []int {
	return append([]int(nil), bt.blocks...)
}

// NumBlocks returns the number of blocks currently referenced.
func (bt *BlockTable) NumBlocks() int { return len(bt.blocks) }

// NumTokens returns the logical token count the table covers.
func (bt *BlockTable) NumTokens() int { return bt.numTokens }

// NumCachedTokens returns how many prompt tokens were served from the
// prefix cache at allocation time.
func (bt *BlockTable) NumCachedTokens() int { return bt.numCachedTokens }
