// Package common contains definitions of fundamental types and functions shared
// by the cache, the inode layer, and the free map.
package common

import "math"

// Sector is the index of a 512-byte unit on a block device.
type Sector uint32

// SectorSize is the size of a single sector, in bytes. It never changes.
const SectorSize = 512

const InvalidSector = Sector(math.MaxUint32)

// SectorsForBytes gives the minimum number of sectors required to hold the
// given number of bytes.
func SectorsForBytes(size uint64) uint {
	return uint((size + SectorSize - 1) / SectorSize)
}
