package segmentation

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var codecMagic = [4]byte{'T', 'S', 'E', 'G'}

const (
	codecVersion = 1
	maxAxes      = 8
)

// WriteTo encodes the array as a small header (magic, version, axis count,
// shape) followed by the labels as little-endian uint64 values.
func (a *LabelArray) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	header := make([]byte, 0, 12+8*len(a.shape))
	header = append(header, codecMagic[:]...)
	header = binary.LittleEndian.AppendUint32(header, codecVersion)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(a.shape)))
	for _, d := range a.shape {
		header = binary.LittleEndian.AppendUint64(header, uint64(d))
	}
	m, err := bw.Write(header)
	n += int64(m)
	if err != nil {
		return n, err
	}
	var buf [8]byte
	for _, v := range a.data {
		binary.LittleEndian.PutUint64(buf[:], v)
		m, err = bw.Write(buf[:])
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// ReadLabelArray decodes an array written by WriteTo.
func ReadLabelArray(r io.Reader) (*LabelArray, error) {
	br := bufio.NewReader(r)
	var head [12]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, fmt.Errorf("read segmentation header: %w", err)
	}
	if [4]byte(head[:4]) != codecMagic {
		return nil, errors.New("segmentation: bad magic")
	}
	if v := binary.LittleEndian.Uint32(head[4:8]); v != codecVersion {
		return nil, fmt.Errorf("segmentation: unsupported version %d", v)
	}
	axes := binary.LittleEndian.Uint32(head[8:12])
	if axes < 2 || axes > maxAxes {
		return nil, fmt.Errorf("segmentation: unsupported axis count %d", axes)
	}
	shape := make([]int, axes)
	var buf [8]byte
	for i := range shape {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("read segmentation shape: %w", err)
		}
		shape[i] = int(binary.LittleEndian.Uint64(buf[:]))
	}
	size, err := checkShape(shape)
	if err != nil {
		return nil, err
	}
	data := make([]uint64, size)
	for i := range data {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("read segmentation cells: %w", err)
		}
		data[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return newArray(shape, data), nil
}
