// Package inode implements the on-disk inode format, with direct, indirect,
// and double-indirect sector maps, and the table of open inodes.
//
// An inode occupies exactly one sector. Its first [DirectSectors] data sectors
// are listed in the inode itself. The next [PointersPerBlock] are listed in a
// single indirect block, and the rest in up to [PointersPerBlock] indirect
// blocks hanging off a double-indirect block.
package inode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/sectorfs/errors"
	c "github.com/dargueta/sectorfs/file_systems/common"
	"github.com/noxer/bytewriter"
)

const DirectSectors = 96
const PointersPerBlock = c.SectorSize / 4

// MaxSectors is the number of data sectors a single inode can address.
const MaxSectors = DirectSectors + PointersPerBlock + PointersPerBlock*PointersPerBlock

// MaxFileSize is the largest file an inode can describe, in bytes.
const MaxFileSize = int64(MaxSectors) * c.SectorSize

// Magic identifies a sector as holding an inode ("INOD").
const Magic = 0x494e4f44

// RawInode is the on-disk representation of an inode. It is exactly one sector
// long, little endian.
type RawInode struct {
	Direct         [DirectSectors]c.Sector
	Indirect       c.Sector
	DoubleIndirect c.Sector
	IsDir          uint32
	// OpenedCount and CwdCount are kept up to date on disk by the directory
	// layer; see [Inode.AdjustOpenedCount].
	OpenedCount int32
	CwdCount    int32
	// Length is the size of the file, in bytes.
	Length uint32
	Magic  uint32
	// AllocatedSectors is the number of data sectors reachable through the
	// maps. It can exceed what Length needs if a write grew the file and then
	// failed partway.
	AllocatedSectors uint32
	Unused           [96]byte
}

// IndirectBlock is a sector filled with pointers to other sectors.
type IndirectBlock [PointersPerBlock]c.Sector

// Marshal serializes the inode into `buffer`, which must be a full sector.
func (raw *RawInode) Marshal(buffer []byte) error {
	return marshalSector(raw, buffer)
}

// UnmarshalRawInode deserializes an inode from a sector. It fails with
// [errors.EUCLEAN] if the sector doesn't look like an inode.
func UnmarshalRawInode(buffer []byte) (RawInode, error) {
	var raw RawInode
	err := binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &raw)
	if err != nil {
		return RawInode{}, errors.ErrFileSystemCorrupted.Wrap(err)
	}

	if raw.Magic != Magic {
		return RawInode{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("bad inode magic: expected %#08x, got %#08x", Magic, raw.Magic))
	}
	return raw, nil
}

// Marshal serializes the block into `buffer`, which must be a full sector.
func (block *IndirectBlock) Marshal(buffer []byte) error {
	return marshalSector(block, buffer)
}

func UnmarshalIndirectBlock(buffer []byte) (IndirectBlock, error) {
	var block IndirectBlock
	err := binary.Read(bytes.NewReader(buffer), binary.LittleEndian, &block)
	if err != nil {
		return IndirectBlock{}, errors.ErrFileSystemCorrupted.Wrap(err)
	}
	return block, nil
}

func marshalSector(record any, buffer []byte) error {
	if len(buffer) != c.SectorSize {
		return errors.NewWithMessage(
			errors.EINVAL,
			fmt.Sprintf("buffer must be exactly %d bytes, got %d", c.SectorSize, len(buffer)),
		)
	}

	writer := bytewriter.New(buffer)
	return binary.Write(writer, binary.LittleEndian, record)
}
