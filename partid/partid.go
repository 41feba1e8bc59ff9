// Package partid defines the canonical partition identity used across the
// snapshot and rebalance core: a (cache group id, partition id) pair.
package partid

import "fmt"

// IndexPartition is the reserved partition id denoting a cache group's index
// partition rather than one of its data partitions.
const IndexPartition int32 = 0x7fffffff

// ID pairs a cache-group id with a partition id. Both are signed 32-bit to
// match the wire representation used by peers.
type ID struct {
	GroupID int32
	PartID  int32
}

// Key returns the canonical, order-preserving-within-a-group encoding
// (groupId<<32)|partitionId.
func (id ID) Key() uint64 {
	return uint64(uint32(id.GroupID))<<32 | uint64(uint32(id.PartID))
}

// FromKey decodes a Key() value back into an ID.
func FromKey(key uint64) ID {
	return ID{
		GroupID: int32(uint32(key >> 32)),
		PartID:  int32(uint32(key)),
	}
}

// IsIndex reports whether this ID addresses the reserved index partition.
func (id ID) IsIndex() bool {
	return id.PartID == IndexPartition
}

func (id ID) String() string {
	if id.IsIndex() {
		return fmt.Sprintf("grp=%d/index", id.GroupID)
	}
	return fmt.Sprintf("grp=%d/part=%d", id.GroupID, id.PartID)
}

// PageID composes a page id for the given partition and dense, 0-based page
// index within that partition. The partition id occupies the high 32 bits.
func PageID(partID int32, index uint32) uint64 {
	return uint64(uint32(partID))<<32 | uint64(index)
}

// PageIndex extracts the dense, 0-based index within the owning partition
// from a page id produced by PageID.
func PageIndex(pageID uint64) uint32 {
	return uint32(pageID)
}

// PartitionOf extracts the partition id embedded in a page id produced by
// PageID.
func PartitionOf(pageID uint64) int32 {
	return int32(uint32(pageID >> 32))
}
