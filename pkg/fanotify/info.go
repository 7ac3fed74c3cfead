//go:build linux

package fanotify

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/internal/errx"
)

// Info record types.
const (
	InfoFID         uint8 = unix.FAN_EVENT_INFO_TYPE_FID
	InfoDFIDName    uint8 = unix.FAN_EVENT_INFO_TYPE_DFID_NAME
	InfoDFID        uint8 = unix.FAN_EVENT_INFO_TYPE_DFID
	InfoPidFD       uint8 = unix.FAN_EVENT_INFO_TYPE_PIDFD
	InfoError       uint8 = unix.FAN_EVENT_INFO_TYPE_ERROR
	InfoOldDFIDName uint8 = unix.FAN_EVENT_INFO_TYPE_OLD_DFID_NAME
	InfoNewDFIDName uint8 = unix.FAN_EVENT_INFO_TYPE_NEW_DFID_NAME
)

const (
	infoHeaderLen = 4
	fsidLen       = 8
	fileHandleHdr = 8
)

// InfoRecord is a variable-length record that followed the event metadata.
// Data excludes the 4-byte header and is a private copy.
type InfoRecord struct {
	Type uint8
	Data []byte
}

// FID identifies a filesystem object by handle, as reported by FID groups.
type FID struct {
	FSID       [2]int32
	HandleType int32
	Handle     []byte
	// Name is set for the DFID_NAME family of records.
	Name string
}

// FileHandle returns the handle in the form open_by_handle_at expects.
func (f FID) FileHandle() unix.FileHandle {
	return unix.NewFileHandle(f.HandleType, f.Handle)
}

// FID decodes a FID, DFID or DFID_NAME family record.
func (r InfoRecord) FID() (FID, error) {
	switch r.Type {
	case InfoFID, InfoDFID, InfoDFIDName, InfoOldDFIDName, InfoNewDFIDName:
	default:
		return FID{}, errx.With(ErrCorruptStream, ": info type %d is not a file id", r.Type)
	}
	d := r.Data
	if len(d) < fsidLen+fileHandleHdr {
		return FID{}, errx.With(ErrCorruptStream, ": file id record of %d bytes", len(d))
	}
	var fid FID
	fid.FSID[0] = int32(binary.NativeEndian.Uint32(d[0:4]))
	fid.FSID[1] = int32(binary.NativeEndian.Uint32(d[4:8]))
	handleBytes := int(binary.NativeEndian.Uint32(d[8:12]))
	fid.HandleType = int32(binary.NativeEndian.Uint32(d[12:16]))
	rest := d[fsidLen+fileHandleHdr:]
	if handleBytes > len(rest) {
		return FID{}, errx.With(ErrCorruptStream, ": file handle of %d bytes exceeds record", handleBytes)
	}
	fid.Handle = append([]byte(nil), rest[:handleBytes]...)
	rest = rest[handleBytes:]

	switch r.Type {
	case InfoDFIDName, InfoOldDFIDName, InfoNewDFIDName:
		if i := bytes.IndexByte(rest, 0); i >= 0 {
			rest = rest[:i]
		}
		fid.Name = string(rest)
	}
	return fid, nil
}

// FSError decodes the record attached to an FSError event.
func (r InfoRecord) FSError() (errno unix.Errno, count uint32, err error) {
	if r.Type != InfoError || len(r.Data) < 8 {
		return 0, 0, errx.With(ErrCorruptStream, ": not an error record")
	}
	errno = unix.Errno(int32(binary.NativeEndian.Uint32(r.Data[0:4])))
	count = binary.NativeEndian.Uint32(r.Data[4:8])
	return errno, count, nil
}

// decodeInfo walks the info records in b, which spans metadata_len to
// event_len of a single record.
func decodeInfo(b []byte) ([]InfoRecord, *FD, error) {
	var (
		records []InfoRecord
		pidfd   *FD
	)
	for off := 0; off < len(b); {
		if len(b)-off < infoHeaderLen {
			return records, pidfd, errx.With(ErrCorruptStream, ": %d trailing bytes after info records", len(b)-off)
		}
		typ := b[off]
		n := int(binary.NativeEndian.Uint16(b[off+2 : off+4]))
		if n < infoHeaderLen || n > len(b)-off {
			return records, pidfd, errx.With(ErrCorruptStream, ": info record length %d out of bounds", n)
		}
		data := append([]byte(nil), b[off+infoHeaderLen:off+n]...)
		records = append(records, InfoRecord{Type: typ, Data: data})

		if typ == InfoPidFD && pidfd == nil {
			if len(data) < 4 {
				return records, pidfd, errx.With(ErrCorruptStream, ": pidfd record of %d bytes", len(data))
			}
			if fd := int32(binary.NativeEndian.Uint32(data[0:4])); fd >= 0 {
				pidfd = NewFD(int(fd))
			}
		}
		off += n
	}
	return records, pidfd, nil
}
