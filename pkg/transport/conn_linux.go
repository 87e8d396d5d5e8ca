package transport

import (
	"fmt"
	"io"
	"net"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/srediag/shm-region/internal/debug"
	"github.com/srediag/shm-region/pkg/shm"
)

// network keeps message boundaries so that every descriptor arrives with its own handle.
const network = "unixpacket"

// maxHandles is how many descriptors a receive makes room for. Only the first is kept.
const maxHandles = 4

var logger = debug.New("transport", nil)

// SendRegion writes r's descriptor and handle to conn. r is consumed: it is closed whether or not
// the send succeeds, and the peer ends up with the only copy of the handle.
func SendRegion(conn *net.UnixConn, r *shm.PlatformRegion) error {
	if !r.IsValid() {
		return shm.ErrInvalidRegion
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warnf("close sent region: %v", err)
		}
	}()

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	descriptor{mode: r.Mode(), size: r.Size(), id: r.ID()}.appendTo(buf)

	oob := unix.UnixRights(int(r.PlatformHandle()))
	n, oobn, err := conn.WriteMsgUnix(buf.B, oob, nil)
	if err != nil {
		return fmt.Errorf("transport: send region %s: %w", r.ID(), err)
	}
	if n != len(buf.B) || oobn != len(oob) {
		return fmt.Errorf("transport: send region %s: %w", r.ID(), io.ErrShortWrite)
	}
	logger.Debugf("sent %s region %s of %d bytes", r.Mode(), r.ID(), r.Size())
	return nil
}

// ReceiveRegion reads one descriptor and handle from conn and rebuilds the region with
// shm.TakePlatformRegion, so a handle whose OS permissions disagree with the claimed mode is
// rejected with shm.ErrPermissionMismatch. It returns io.EOF once the peer has hung up.
func ReceiveRegion(conn *net.UnixConn) (*shm.PlatformRegion, error) {
	buf := make([]byte, descriptorSize+1)
	oob := make([]byte, unix.CmsgSpace(maxHandles*4))
	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return &shm.PlatformRegion{}, err
	}
	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return &shm.PlatformRegion{}, err
	}
	if n == 0 && len(fds) == 0 {
		return &shm.PlatformRegion{}, io.EOF
	}
	if flags&(unix.MSG_CTRUNC|unix.MSG_TRUNC) != 0 {
		closeFds(fds)
		return &shm.PlatformRegion{}, fmt.Errorf("%w: message truncated", ErrBadDescriptor)
	}
	if len(fds) == 0 {
		return &shm.PlatformRegion{}, ErrNoHandle
	}
	if len(fds) > 1 {
		logger.Warnf("closing %d unexpected extra handles", len(fds)-1)
		closeFds(fds[1:])
	}
	d, err := parseDescriptor(buf[:n])
	if err != nil {
		closeFds(fds[:1])
		return &shm.PlatformRegion{}, err
	}
	r, err := shm.TakePlatformRegion(shm.Handle(fds[0]), d.mode, d.size, d.id)
	if err != nil {
		return r, fmt.Errorf("transport: receive region %s: %w", d.id, err)
	}
	logger.Debugf("received %s region %s of %d bytes", d.mode, d.id, d.size)
	return r, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("transport: parse control message: %w", err)
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFds(fds)
			return nil, fmt.Errorf("transport: parse rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			logger.Warnf("close received handle %d: %v", fd, err)
		}
	}
}

// SendReadOnly sends a read-only region. r is invalid afterwards.
func SendReadOnly(conn *net.UnixConn, r *shm.ReadOnlyRegion) error {
	return SendRegion(conn, r.TakeHandleForSerialization())
}

// SendUnsafe sends an unsafe region. r is invalid afterwards.
func SendUnsafe(conn *net.UnixConn, r *shm.UnsafeRegion) error {
	return SendRegion(conn, r.TakeHandleForSerialization())
}

// SendWritable hands the writable region, and with it the right to write, to the peer. r is
// invalid afterwards.
func SendWritable(conn *net.UnixConn, r *shm.WritableRegion) error {
	return SendRegion(conn, r.TakeHandleForSerialization())
}

func receiveMode(conn *net.UnixConn, want shm.Mode) (*shm.PlatformRegion, error) {
	r, err := ReceiveRegion(conn)
	if err != nil {
		return r, err
	}
	if r.Mode() != want {
		got := r.Mode()
		_ = r.Close()
		return &shm.PlatformRegion{}, fmt.Errorf("%w: want %s, got %s", ErrModeMismatch, want, got)
	}
	return r, nil
}

// ReceiveReadOnly receives a region and fails with ErrModeMismatch unless it is read-only.
func ReceiveReadOnly(conn *net.UnixConn) (*shm.ReadOnlyRegion, error) {
	r, err := receiveMode(conn, shm.ModeReadOnly)
	if err != nil {
		return &shm.ReadOnlyRegion{}, err
	}
	return shm.DeserializeReadOnlyRegion(r), nil
}

// ReceiveUnsafe receives a region and fails with ErrModeMismatch unless it is unsafe.
func ReceiveUnsafe(conn *net.UnixConn) (*shm.UnsafeRegion, error) {
	r, err := receiveMode(conn, shm.ModeUnsafe)
	if err != nil {
		return &shm.UnsafeRegion{}, err
	}
	return shm.DeserializeUnsafeRegion(r), nil
}

// ReceiveWritable receives a region and fails with ErrModeMismatch unless it is writable.
func ReceiveWritable(conn *net.UnixConn) (*shm.WritableRegion, error) {
	r, err := receiveMode(conn, shm.ModeWritable)
	if err != nil {
		return &shm.WritableRegion{}, err
	}
	return shm.DeserializeWritableRegion(r), nil
}
