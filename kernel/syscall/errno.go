package syscall

// Errno is a system-call error number. Handlers return it negated.
type Errno int64

const (
	EGENERIC Errno = 1
	ENOENT   Errno = 2
	ESRCH    Errno = 3
	EINTR    Errno = 4
	EIO      Errno = 5
	E2BIG    Errno = 7
	EBADF    Errno = 9
	EAGAIN   Errno = 11
	ENOMEM   Errno = 12
	EFAULT   Errno = 14
	EINVAL   Errno = 21
	ENOSYS   Errno = 38
)

var errnoNames = map[Errno]string{
	EGENERIC: "generic error",
	ENOENT:   "no such entry",
	ESRCH:    "no such process",
	EINTR:    "interrupted",
	EIO:      "I/O error",
	E2BIG:    "argument too large",
	EBADF:    "bad file descriptor",
	EAGAIN:   "resource temporarily unavailable",
	ENOMEM:   "out of memory",
	EFAULT:   "bad address",
	EINVAL:   "invalid argument",
	ENOSYS:   "function not implemented",
}

func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return "unknown error"
}

// Result returns e as a system-call return value.
func (e Errno) Result() int64 {
	return -int64(e)
}

// ErrnoOf decodes a system-call return value. It returns 0 for success.
func ErrnoOf(ret int64) Errno {
	if ret >= 0 {
		return 0
	}
	return Errno(-ret)
}
