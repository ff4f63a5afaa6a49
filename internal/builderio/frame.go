// TileStream - DeltaWebMap Dynamic Tile Streaming Service
// Copyright 2026 DeltaWebMap
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/deltawebmap/tilestream

// Package builderio carries the internal wire protocol between the
// service and its tile builder workers: length-prefixed binary frames
// over TCP, authenticated with an HMAC challenge before a worker is
// admitted to the dispatch pool.
package builderio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame payload. Render responses are small
// JSON blobs; anything near this limit is a broken or hostile peer.
const MaxFrameSize = 4 << 20

const maxFieldName = 255

// ErrFrameTooLarge is returned when a peer announces a frame payload
// larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("builderio: frame exceeds size limit")

// Frame is one builder protocol message: an opcode plus named byte-blob
// fields. Opcode 0 carries a render request in the "REQUEST" field,
// opcode 1 a render response in the "RESPONSE" field.
type Frame struct {
	Opcode int
	Fields map[string][]byte
}

// Frame layout, all integers big-endian:
//
//	u32  payload length (everything after this word)
//	i32  opcode
//	u8   field count
//	per field:
//	  u8   name length
//	  ...  name bytes
//	  u32  value length
//	  ...  value bytes

// WriteFrame encodes f and writes it to w as a single frame.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Fields) > 255 {
		return fmt.Errorf("builderio: too many fields (%d)", len(f.Fields))
	}

	var payload bytes.Buffer
	var scratch [4]byte

	binary.BigEndian.PutUint32(scratch[:], uint32(int32(f.Opcode)))
	payload.Write(scratch[:])
	payload.WriteByte(byte(len(f.Fields)))

	for name, value := range f.Fields {
		if len(name) == 0 || len(name) > maxFieldName {
			return fmt.Errorf("builderio: invalid field name %q", name)
		}
		payload.WriteByte(byte(len(name)))
		payload.WriteString(name)
		binary.BigEndian.PutUint32(scratch[:], uint32(len(value)))
		payload.Write(scratch[:])
		payload.Write(value)
	}

	if payload.Len() > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, 4+payload.Len())
	binary.BigEndian.PutUint32(scratch[:], uint32(payload.Len()))
	buf = append(buf, scratch[:]...)
	buf = append(buf, payload.Bytes()...)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(head[:])
	if size > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	if size < 5 {
		return Frame{}, fmt.Errorf("builderio: short frame payload (%d bytes)", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Opcode: int(int32(binary.BigEndian.Uint32(payload[:4]))),
		Fields: make(map[string][]byte),
	}
	count := int(payload[4])
	rest := payload[5:]

	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return Frame{}, errors.New("builderio: truncated field name length")
		}
		nameLen := int(rest[0])
		rest = rest[1:]
		if nameLen == 0 || len(rest) < nameLen {
			return Frame{}, errors.New("builderio: truncated field name")
		}
		name := string(rest[:nameLen])
		rest = rest[nameLen:]

		if len(rest) < 4 {
			return Frame{}, errors.New("builderio: truncated field value length")
		}
		valueLen := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < valueLen {
			return Frame{}, errors.New("builderio: truncated field value")
		}
		f.Fields[name] = rest[:valueLen:valueLen]
		rest = rest[valueLen:]
	}

	if len(rest) != 0 {
		return Frame{}, fmt.Errorf("builderio: %d trailing bytes after fields", len(rest))
	}
	return f, nil
}
