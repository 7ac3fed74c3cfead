//go:build linux

package fanotify

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"

	"github.com/jingkaihe/fangate/internal/errx"
)

// metadataLen is the size of struct fanotify_event_metadata.
const metadataLen = unix.FAN_EVENT_METADATA_LEN

// decode splits buf into events.
//
// On error the returned events are every record whose framing could be
// trusted: those decoded cleanly, plus records whose metadata_len or info
// records were malformed but whose event_len and version were sound. The
// latter carry their mask, pid and descriptors so the caller can answer and
// close them. Scanning stops at the first record that cannot be framed or
// has an unknown version; descriptors from that point on are not touched.
// The first error found is returned, joined with the version error when one
// ended the scan.
func decode(buf []byte) ([]*Event, error) {
	var (
		events   []*Event
		firstErr error
	)
	for off := 0; off < len(buf); {
		rest := buf[off:]
		if len(rest) < metadataLen {
			return events, firstOf(firstErr, errx.With(ErrCorruptStream, ": record at offset %d: %d bytes left, need %d", off, len(rest), metadataLen))
		}
		eventLen := int(binary.NativeEndian.Uint32(rest[0:4]))
		if eventLen < metadataLen || eventLen > len(rest) {
			return events, firstOf(firstErr, errx.With(ErrCorruptStream, ": record at offset %d: event_len %d out of bounds", off, eventLen))
		}
		vers := rest[4]
		if vers != unix.FANOTIFY_METADATA_VERSION {
			verErr := errx.With(ErrUnsupportedVersion, ": record at offset %d: version %d, want %d", off, vers, unix.FANOTIFY_METADATA_VERSION)
			if firstErr != nil {
				return events, errors.Join(firstErr, verErr)
			}
			return events, verErr
		}

		ev := &Event{
			version: vers,
			mask:    Mask(binary.NativeEndian.Uint64(rest[8:16])),
			pid:     int32(binary.NativeEndian.Uint32(rest[20:24])),
		}
		if fd := int32(binary.NativeEndian.Uint32(rest[16:20])); fd >= 0 {
			ev.fd = NewFD(int(fd))
		}
		events = append(events, ev)

		metaLen := int(binary.NativeEndian.Uint16(rest[6:8]))
		if metaLen < metadataLen || metaLen > eventLen {
			firstErr = firstOf(firstErr, errx.With(ErrCorruptStream, ": record at offset %d: metadata_len %d out of bounds", off, metaLen))
		} else {
			info, pidfd, err := decodeInfo(rest[metaLen:eventLen])
			ev.info, ev.pidfd = info, pidfd
			if err != nil {
				firstErr = firstOf(firstErr, errx.With(err, " (record at offset %d)", off))
			}
		}
		off += eventLen
	}
	return events, firstErr
}

func firstOf(first, err error) error {
	if first != nil {
		return first
	}
	return err
}
