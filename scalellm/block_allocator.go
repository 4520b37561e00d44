package scalellm

import (
	"container/list"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Block is one fixed-capacity page of KV cache storage. Blocks are owned
// by the allocator; block tables reference them by id only.
type Block struct {
	ID       int
	RefCount int
	// Hash is the content hash chained over every token stored in this
	// block and its prefix. Zero means unsealed: the block is not yet full
	// or prefix caching is disabled.
	Hash     uint64
	TokenIDs []int
}

// BlockAllocator manages a fixed pool of KV cache blocks. All mutation
// happens on the scheduling thread; ref counting is the sharing mechanism.
//
// Free blocks sit on an LRU list. In prefix-caching mode a freed block
// keeps its content hash so an identical prefix can revive it before it
// is evicted for reuse.
type BlockAllocator struct {
	blockSize     int
	prefixCaching bool
	blocks        []*Block
	hashToBlock   map[uint64]int
	freeList      *list.List // of int block id; front is evicted first
	freeElem      []*list.Element
}

// NewBlockAllocator creates an allocator with every block free.
func NewBlockAllocator(numBlocks, blockSize int, prefixCaching bool) *BlockAllocator {
	a := &BlockAllocator{
		blockSize:     blockSize,
		prefixCaching: prefixCaching,
		blocks:        make([]*Block, numBlocks),
		hashToBlock:   make(map[uint64]int),
		freeList:      list.New(),
		freeElem:      make([]*list.Element, numBlocks),
	}
	for i := 0; i < numBlocks; i++ {
		a.blocks[i] = &Block{ID: i}
		a.freeElem[i] = a.freeList.PushBack(i)
	}
	return a
}

// ComputeBlockHash chains a block's token content onto its prefix hash.
// A zero prefix hash means the block has no predecessor.
func ComputeBlockHash(prefixHash uint64, tokenIDs []int) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, id := range tokenIDs {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

// BlockSize returns the number of tokens per block.
func (a *BlockAllocator) BlockSize() int { return a.blockSize }

// NumTotalBlocks returns the pool size.
func (a *BlockAllocator) NumTotalBlocks() int { return len(a.blocks) }

// NumFreeBlocks returns the number of blocks with no references.
func (a *BlockAllocator) NumFreeBlocks() int { return a.freeList.Len() }

// RefCount returns the reference count of a block.
func (a *BlockAllocator) RefCount(id int) int { return a.blocks[id].RefCount }

// Allocate takes the least-recently-freed block out of the pool. It
// returns ErrNoFreeBlocks when the pool is exhausted; the caller decides
// whether to preempt or defer.
func (a *BlockAllocator) Allocate() (int, error) {
	front := a.freeList.Front()
	if front == nil {
		return -1, ErrNoFreeBlocks
	}
	id := front.Value.(int)
	a.freeList.Remove(front)
	a.freeElem[id] = nil

	blk := a.blocks[id]
	if blk.RefCount != 0 {
		panic("allocator: free-list block has references")
	}
	// Evict any cached content this block still carried.
	if blk.Hash != 0 {
		if cached, ok := a.hashToBlock[blk.Hash]; ok && cached == id {
			delete(a.hashToBlock, blk.Hash)
		}
	}
	blk.RefCount = 1
	blk.Hash = 0
	blk.TokenIDs = nil
	return id, nil
}

// Free releases one reference. When the last reference drops the block
// joins the tail of the LRU free list; in prefix-caching mode it keeps
// its hash so it can be revived until reuse evicts it.
func (a *BlockAllocator) Free(id int) {
	blk := a.blocks[id]
	blk.RefCount--
	if blk.RefCount < 0 {
		panic("allocator: block ref count underflow")
	}
	if blk.RefCount > 0 {
		return
	}
	if !a.prefixCaching {
		blk.Hash = 0
		blk.TokenIDs = nil
	}
	a.freeElem[id] = a.freeList.PushBack(id)
}

// Fork adds a reference to an allocated block, enabling copy-on-write
// sharing across sequences.
func (a *BlockAllocator) Fork(id int) int {
	blk := a.blocks[id]
	if blk.RefCount == 0 {
		panic("allocator: fork of unreferenced block")
	}
	blk.RefCount++
	return id
}

// AllocateOrShare returns a block holding exactly tokenIDs under the
// given content hash, sharing an existing block when one matches. The
// second return value reports whether the content was already cached.
func (a *BlockAllocator) AllocateOrShare(hash uint64, tokenIDs []int) (int, bool, error) {
	if a.prefixCaching && hash != 0 {
		if id, ok := a.hashToBlock[hash]; ok && tokensEqual(a.blocks[id].TokenIDs, tokenIDs) {
			blk := a.blocks[id]
			if blk.RefCount == 0 {
				// Revive a cached block from the free list.
				a.freeList.Remove(a.freeElem[id])
				a.freeElem[id] = nil
			}
			blk.RefCount++
			return id, true, nil
		}
	}

	id, err := a.Allocate()
	if err != nil {
		return -1, false, err
	}
	a.seal(id, hash, tokenIDs)
	return id, false, nil
}

// SealBlock records the content hash of a block that just became full.
func (a *BlockAllocator) SealBlock(id int, hash uint64, tokenIDs []int) {
	if !a.prefixCaching {
		return
	}
	a.seal(id, hash, tokenIDs)
}

func (a *BlockAllocator) seal(id int, hash uint64, tokenIDs []int) {
	if !a.prefixCaching || hash == 0 {
		return
	}
	blk := a.blocks[id]
	blk.Hash = hash
	blk.TokenIDs = append([]int(nil), tokenIDs...)
	a.hashToBlock[hash] = id
}

// CopyOnWrite prepares a block for mutation. An exclusively owned block
// is returned as-is; a shared block is replaced by a fresh copy and the
// original loses one reference. The caller must schedule the actual KV
// copy when the ids differ.
func (a *BlockAllocator) CopyOnWrite(id int) (int, error) {
	blk := a.blocks[id]
	if blk.RefCount == 0 {
		panic("allocator: copy-on-write of unreferenced block")
	}
	if blk.RefCount == 1 {
		return id, nil
	}
	newID, err := a.Allocate()
	if err != nil {
		return -1, err
	}
	blk.RefCount--
	return newID, nil
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
