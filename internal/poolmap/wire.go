package poolmap

import (
	"encoding/binary"
	"fmt"
)

// header is the fixed prefix of a serialized pool buffer (§6).
type header struct {
	Csum     uint32
	Nr       uint32
	DomainNr uint32
	TargetNr uint32
}

const headerSize = 16

// record is the fixed-size, depth-first component record (§6). Field order
// matches the wire contract exactly; reordering these breaks every importer.
type record struct {
	Type    uint16
	Status  uint8
	Flags   uint8
	ID      uint32
	Rank    uint32
	Ver     uint32
	InVer   uint32
	FSeq    uint32
	Flags2  uint32
	NumKids uint32
}

const recordSize = 2 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4

// byteOrder selects native vs swapped decoding. Decode/Encode default to
// little-endian ("native on host" for the reference platform); SwapPoolBuf
// re-encodes a buffer produced on a big-endian host.
var nativeOrder = binary.LittleEndian

func readHeader(buf []byte, order binary.ByteOrder) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("%w: buffer too small for header (%d bytes)", ErrInvalidFormat, len(buf))
	}
	return header{
		Csum:     order.Uint32(buf[0:4]),
		Nr:       order.Uint32(buf[4:8]),
		DomainNr: order.Uint32(buf[8:12]),
		TargetNr: order.Uint32(buf[12:16]),
	}, nil
}

func writeHeader(h header, order binary.ByteOrder) []byte {
	buf := make([]byte, headerSize)
	order.PutUint32(buf[0:4], h.Csum)
	order.PutUint32(buf[4:8], h.Nr)
	order.PutUint32(buf[8:12], h.DomainNr)
	order.PutUint32(buf[12:16], h.TargetNr)
	return buf
}

func readRecord(buf []byte, order binary.ByteOrder) (record, error) {
	if len(buf) < recordSize {
		return record{}, fmt.Errorf("%w: truncated component record", ErrInvalidFormat)
	}
	return record{
		Type:    order.Uint16(buf[0:2]),
		Status:  buf[2],
		Flags:   buf[3],
		ID:      order.Uint32(buf[4:8]),
		Rank:    order.Uint32(buf[8:12]),
		Ver:     order.Uint32(buf[12:16]),
		InVer:   order.Uint32(buf[16:20]),
		FSeq:    order.Uint32(buf[20:24]),
		Flags2:  order.Uint32(buf[24:28]),
		NumKids: order.Uint32(buf[28:32]),
	}, nil
}

func writeRecord(r record, order binary.ByteOrder) []byte {
	buf := make([]byte, recordSize)
	order.PutUint16(buf[0:2], r.Type)
	buf[2] = r.Status
	buf[3] = r.Flags
	order.PutUint32(buf[4:8], r.ID)
	order.PutUint32(buf[8:12], r.Rank)
	order.PutUint32(buf[12:16], r.Ver)
	order.PutUint32(buf[16:20], r.InVer)
	order.PutUint32(buf[20:24], r.FSeq)
	order.PutUint32(buf[24:28], r.Flags2)
	order.PutUint32(buf[28:32], r.NumKids)
	return buf
}

// decodeTree parses the depth-first record stream into a Component tree,
// returning the root and per-type counts for header validation.
func decodeTree(buf []byte, order binary.ByteOrder, nr uint32) (*Component, int, int, error) {
	off := headerSize
	var domainCount, targetCount int

	var parse func() (*Component, error)
	parse = func() (*Component, error) {
		if off+recordSize > len(buf) {
			return nil, fmt.Errorf("%w: record stream truncated", ErrInvalidFormat)
		}
		r, err := readRecord(buf[off:], order)
		if err != nil {
			return nil, err
		}
		off += recordSize

		c := &Component{
			Type:    CompType(r.Type),
			Status:  Status(r.Status),
			Flags:   uint32(r.Flags) | r.Flags2<<8,
			ID:      r.ID,
			Rank:    r.Rank,
			Version: r.Ver,
			InVer:   r.InVer,
			FSeq:    r.FSeq,
			OutVer:  0,
		}

		switch c.Type {
		case TypeRank, TypeDomain, TypeNode:
			domainCount++
		case TypeTarget:
			targetCount++
		}

		for i := uint32(0); i < r.NumKids; i++ {
			child, err := parse()
			if err != nil {
				return nil, err
			}
			child.Parent = c
			c.Children = append(c.Children, child)
		}
		return c, nil
	}

	root, err := parse()
	if err != nil {
		return nil, 0, 0, err
	}
	if off != len(buf) {
		return nil, 0, 0, fmt.Errorf("%w: %d trailing bytes after %d records", ErrInvalidFormat, len(buf)-off, nr)
	}
	return root, domainCount, targetCount, nil
}

// encodeTree serializes the tree rooted at root in depth-first order,
// returning the record count and per-type counts alongside the body bytes.
func encodeTree(root *Component, order binary.ByteOrder) (body []byte, nr, domainNr, targetNr int) {
	var walk func(c *Component)
	walk = func(c *Component) {
		nr++
		switch c.Type {
		case TypeRank, TypeDomain, TypeNode:
			domainNr++
		case TypeTarget:
			targetNr++
		}
		body = append(body, writeRecord(record{
			Type:    uint16(c.Type),
			Status:  uint8(c.Status),
			Flags:   uint8(c.Flags),
			ID:      c.ID,
			Rank:    c.Rank,
			Ver:     c.Version,
			InVer:   c.InVer,
			FSeq:    c.FSeq,
			Flags2:  c.Flags >> 8,
			NumKids: uint32(len(c.Children)),
		}, order)...)
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(root)
	return body, nr, domainNr, targetNr
}

// Marshal serializes map into a wire buffer using native byte order.
func (m *Map) Marshal() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	body, nr, domainNr, targetNr := encodeTree(m.root, nativeOrder)
	h := writeHeader(header{
		Csum:     checksum(body),
		Nr:       uint32(nr),
		DomainNr: uint32(domainNr),
		TargetNr: uint32(targetNr),
	}, nativeOrder)
	return append(h, body...)
}

// checksum is a simple additive checksum over the body, sufficient to catch
// accidental truncation/corruption; durability of the serialization format
// itself is explicitly out of scope (spec.md §1).
func checksum(body []byte) uint32 {
	var sum uint32
	for i, b := range body {
		sum += uint32(b) << (uint(i%4) * 8)
	}
	return sum
}

// SwapPoolBuf reverses the byte order of every fixed-width field in buf,
// converting a pool buffer serialized on a foreign-endian host into one
// readable with nativeOrder (or vice versa). It rewrites buf in place and
// also returns it.
func SwapPoolBuf(buf []byte) ([]byte, error) {
	foreign := oppositeOrder(nativeOrder)

	h, err := readHeader(buf, foreign)
	if err != nil {
		return nil, err
	}
	// Per-field byte reversal is its own inverse, so buf may be in either
	// order: take the record count from whichever reading of the header
	// agrees with the buffer's length.
	nr := h.Nr
	if headerSize+int(nr)*recordSize != len(buf) {
		nh, _ := readHeader(buf, nativeOrder)
		nr = nh.Nr
	}
	copy(buf[0:headerSize], writeHeader(h, nativeOrder))

	off := headerSize
	for i := uint32(0); i < nr; i++ {
		if off+recordSize > len(buf) {
			return nil, fmt.Errorf("%w: record stream truncated during swap", ErrInvalidFormat)
		}
		r, err := readRecord(buf[off:], foreign)
		if err != nil {
			return nil, err
		}
		copy(buf[off:off+recordSize], writeRecord(r, nativeOrder))
		off += recordSize
	}
	return buf, nil
}

func oppositeOrder(o binary.ByteOrder) binary.ByteOrder {
	if o == binary.LittleEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
