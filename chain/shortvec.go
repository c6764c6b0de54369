package chain

import "errors"

var ErrShortVecOverflow = errors.New("compact-u16 overflow")

// appendCompactU16 encodes n as a little-endian base-128 varint of at most 3 bytes
func appendCompactU16(buf []byte, n int) []byte {
	for {
		elem := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(buf, elem)
		}
		buf = append(buf, elem|0x80)
	}
}

// decoder reads the wire format sequentially and latches the first error
type decoder struct {
	buf []byte
	off int
	err error
}

var errTruncated = errors.New("unexpected end of data")

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.err = errTruncated
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) readBytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.off+n > len(d.buf) {
		d.err = errTruncated
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) readCompactU16() int {
	var v int
	for i := 0; i < 3; i++ {
		c := d.readByte()
		if d.err != nil {
			return 0
		}
		v |= int(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			if v > 0xffff {
				d.err = ErrShortVecOverflow
				return 0
			}
			return v
		}
	}
	d.err = ErrShortVecOverflow
	return 0
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.off
}
