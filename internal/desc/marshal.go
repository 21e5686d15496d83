package desc

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is too short for a descriptor
var ErrInsufficientData = errors.New("insufficient data for descriptor")

// PutMM writes d into buf in the hardware (little-endian) layout
func PutMM(buf []byte, d *MM) error {
	if len(buf) < MMDescSize {
		return ErrInsufficientData
	}

	binary.LittleEndian.PutUint64(buf[0:8], d.SrcAddr)
	binary.LittleEndian.PutUint32(buf[8:12], d.FlagLen)
	binary.LittleEndian.PutUint32(buf[12:16], d.Rsvd0)
	binary.LittleEndian.PutUint64(buf[16:24], d.DstAddr)
	binary.LittleEndian.PutUint64(buf[24:32], d.Rsvd1)

	return nil
}

// ReadMM decodes a block-mode descriptor from buf
func ReadMM(buf []byte, d *MM) error {
	if len(buf) < MMDescSize {
		return ErrInsufficientData
	}

	d.SrcAddr = binary.LittleEndian.Uint64(buf[0:8])
	d.FlagLen = binary.LittleEndian.Uint32(buf[8:12])
	d.Rsvd0 = binary.LittleEndian.Uint32(buf[12:16])
	d.DstAddr = binary.LittleEndian.Uint64(buf[16:24])
	d.Rsvd1 = binary.LittleEndian.Uint64(buf[24:32])

	return nil
}

// PutH2C writes d into buf in the hardware (little-endian) layout
func PutH2C(buf []byte, d *H2C) error {
	if len(buf) < H2CDescSize {
		return ErrInsufficientData
	}

	binary.LittleEndian.PutUint16(buf[0:2], d.CdhFlags)
	binary.LittleEndian.PutUint16(buf[2:4], d.PldLen)
	binary.LittleEndian.PutUint16(buf[4:6], d.Len)
	binary.LittleEndian.PutUint16(buf[6:8], d.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], d.SrcAddr)

	return nil
}

// ReadH2C decodes a streaming-send descriptor from buf
func ReadH2C(buf []byte, d *H2C) error {
	if len(buf) < H2CDescSize {
		return ErrInsufficientData
	}

	d.CdhFlags = binary.LittleEndian.Uint16(buf[0:2])
	d.PldLen = binary.LittleEndian.Uint16(buf[2:4])
	d.Len = binary.LittleEndian.Uint16(buf[4:6])
	d.Flags = binary.LittleEndian.Uint16(buf[6:8])
	d.SrcAddr = binary.LittleEndian.Uint64(buf[8:16])

	return nil
}
