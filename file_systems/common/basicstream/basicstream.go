// Package basicstream implements a file-like abstraction around anything that
// can read and write bytes at an offset, such as an open inode.
package basicstream

import (
	"fmt"
	"io"

	"github.com/dargueta/sectorfs/errors"
)

// Extent is random-access storage with a length that grows as it's written
// past the end.
type Extent interface {
	io.ReaderAt
	io.WriterAt
	Length() int64
}

// BasicStream tracks a position in an [Extent] so that it can be used like an
// [os.File].
type BasicStream struct {
	position int64
	data     Extent
	readOnly bool
}

// New creates a stream positioned at the beginning of `data`.
func New(data Extent) *BasicStream {
	return &BasicStream{data: data}
}

// NewReadOnly is like [New], except writes fail with [errors.EPERM].
func NewReadOnly(data Extent) *BasicStream {
	return &BasicStream{data: data, readOnly: true}
}

func (stream *BasicStream) Read(buffer []byte) (int, error) {
	totalRead, err := stream.ReadAt(buffer, stream.position)
	stream.position += int64(totalRead)
	return totalRead, err
}

// ReadAt reads up to len(buffer) bytes starting at `offset` without moving the
// stream pointer. It returns [io.EOF] if the read was cut short by the end of
// the data.
func (stream *BasicStream) ReadAt(buffer []byte, offset int64) (int, error) {
	size := stream.data.Length()
	if offset >= size {
		return 0, io.EOF
	}

	toRead := buffer
	if remaining := size - offset; int64(len(toRead)) > remaining {
		toRead = toRead[:remaining]
	}

	n, err := stream.data.ReadAt(toRead, offset)
	if err == io.EOF {
		err = nil
	}
	if err == nil && n < len(buffer) {
		err = io.EOF
	}
	return n, err
}

// Seek resets the stream pointer to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end is allowed. The gap is zero-filled upon the first write.
func (stream *BasicStream) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = stream.position + offset
	case io.SeekEnd:
		absoluteOffset = stream.data.Length() + offset
	default:
		return stream.position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid seek origin: %d", whence))
	}

	if absoluteOffset < 0 {
		return stream.position, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("result of Seek(offset=%d, whence=%d) is negative", offset, whence))
	}

	stream.position = absoluteOffset
	return absoluteOffset, nil
}

// Size returns the current size of the underlying data, in bytes.
func (stream *BasicStream) Size() int64 {
	return stream.data.Length()
}

// Tell returns the current stream position.
func (stream *BasicStream) Tell() int64 {
	return stream.position
}

func (stream *BasicStream) Write(buffer []byte) (int, error) {
	totalWritten, err := stream.WriteAt(buffer, stream.position)
	stream.position += int64(totalWritten)
	return totalWritten, err
}

// WriteAt writes `buffer` at `offset` without moving the stream pointer.
func (stream *BasicStream) WriteAt(buffer []byte, offset int64) (int, error) {
	if stream.readOnly {
		return 0, errors.ErrNotPermitted
	}
	return stream.data.WriteAt(buffer, offset)
}

// WriteString writes a string to the stream.
func (stream *BasicStream) WriteString(s string) (int, error) {
	return stream.Write([]byte(s))
}

// ReadFrom copies everything from `r` into the stream at the stream pointer,
// one sector-sized chunk at a time.
func (stream *BasicStream) ReadFrom(r io.Reader) (int64, error) {
	buffer := make([]byte, 512)
	total := int64(0)

	for {
		lastReadSize, readErr := r.Read(buffer)
		if lastReadSize > 0 {
			written, writeErr := stream.Write(buffer[:lastReadSize])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
		}

		if readErr == io.EOF {
			return total, nil
		} else if readErr != nil {
			return total, readErr
		}
	}
}

// WriteTo copies everything from the stream pointer to the end of the data
// into `w`.
func (stream *BasicStream) WriteTo(w io.Writer) (int64, error) {
	buffer := make([]byte, 512)
	total := int64(0)

	for {
		n, readErr := stream.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			total += int64(written)
			if writeErr != nil {
				return total, writeErr
			}
		}

		if readErr == io.EOF {
			return total, nil
		} else if readErr != nil {
			return total, readErr
		}
	}
}
