package defs

// Err_t is the kernel-wide error sentinel. Zero means success; a positive
// value identifies the failure. Operations never use Go's error interface
// internally -- callers test against the named constants below.
type Err_t int

// Sentinel error codes returned by the VM and file-system cores. Names
// follow the errno-style convention already established by defs.
const (
	EFAULT       Err_t = 1  /// bad user or kernel address
	ENOMEM       Err_t = 2  /// out of physical frames
	ENOSPC       Err_t = 3  /// out of disk sectors
	EINVAL       Err_t = 4  /// invalid argument
	ENOENT       Err_t = 5  /// no such file or directory
	EEXIST       Err_t = 6  /// name already in use
	ENOTDIR      Err_t = 7  /// component is not a directory
	EISDIR       Err_t = 8  /// target is a directory
	ENOTEMPTY    Err_t = 9  /// directory is not empty
	ENAMETOOLONG Err_t = 10 /// path component exceeds NAME_MAX
	EBUSY        Err_t = 11 /// resource is pinned or open elsewhere
	ENOSWAP      Err_t = 12 /// swap area exhausted (fatal; swap.Install panics instead)
	EIO          Err_t = 13 /// underlying block device failed
)

// String names an error code for logging.
func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case ENOSPC:
		return "ENOSPC"
	case EINVAL:
		return "EINVAL"
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case ENOTDIR:
		return "ENOTDIR"
	case EISDIR:
		return "EISDIR"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case EBUSY:
		return "EBUSY"
	case ENOSWAP:
		return "ENOSWAP"
	case EIO:
		return "EIO"
	default:
		return "Err_t(unknown)"
	}
}
