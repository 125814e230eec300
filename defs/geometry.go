package defs

// SectorSize is the fixed sector size of both block devices.
const SectorSize = 512

// SectorsPerCluster is the number of sectors that make up one cluster, and
// also the number of sectors in one swap slot and one cache-frame group.
const SectorsPerCluster = 8

// PageSize is the size in bytes of a cluster, a swap slot, a cache frame,
// and a virtual page: SectorsPerCluster*SectorSize.
const PageSize = SectorsPerCluster * SectorSize

// EOChain is the FAT sentinel marking the end of a cluster chain.
const EOChain uint32 = 0xFFFFFFFF

// InodeMagic identifies a valid on-disk inode.
const InodeMagic uint32 = 0x494E4F44

// InodeDiskSize is the fixed size in bytes of an on-disk inode.
const InodeDiskSize = SectorSize

// CacheFrames is the number of frames the buffer/page cache holds.
const CacheFrames = 8

// MaxSymlinkHops bounds symlink resolution.
const MaxSymlinkHops = 8

// UserStackTop is the address one past the highest byte of a user stack;
// a fresh process starts with rsp == UserStackTop.
const UserStackTop uint64 = 0x0000_4747_0000_0000

// KernelBase is the first address reserved for the kernel; a user fault at
// or above this address is always denied.
const KernelBase uint64 = 0x0000_8000_0000_0000

// MaxStackPages bounds how far below UserStackTop the stack is allowed to
// grow automatically.
const MaxStackPages = 256

// InodeType enumerates on-disk inode kinds.
type InodeType uint32

const (
	TypeFile InodeType = iota
	TypeDir
	TypeSymlink
)
