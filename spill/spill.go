// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package spill encodes and compresses chunk pages for external mode's
// spilled partitions. The only persisted state is the spilled row
// store's blocks, owned by the buffer manager; this package specifies no
// on-disk format. It supplies the wire encoding and compression a buffer
// manager's pinned byte regions would hold; it has no opinion on where
// those bytes live, mirroring a disk-accounting tracker that counts bytes
// a row container writes without owning the file itself.
package spill

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/tidb-inc/vecjoin/chunk"
)

// BlockWriter compresses and frames a stream of chunk pages onto w.
type BlockWriter struct {
	enc *zstd.Encoder
}

// NewBlockWriter wraps w with a zstd encoder. w is expected to be a
// pinned byte region handed out by the host's buffer manager.
func NewBlockWriter(w io.Writer) (*BlockWriter, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, err
	}
	return &BlockWriter{enc: enc}, nil
}

// WriteChunk appends one length-framed, compressed chunk page.
func (bw *BlockWriter) WriteChunk(chk *chunk.Chunk) error {
	raw := encodeChunk(chk)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := bw.enc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := bw.enc.Write(raw)
	return err
}

// Close flushes and closes the underlying zstd stream. The caller owns
// (and closes, if applicable) the wrapped io.Writer.
func (bw *BlockWriter) Close() error {
	return bw.enc.Close()
}

// BlockReader reads back a stream written by BlockWriter.
type BlockReader struct {
	dec *zstd.Decoder
}

// NewBlockReader wraps r with a zstd decoder.
func NewBlockReader(r io.Reader) (*BlockReader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &BlockReader{dec: dec}, nil
}

// ReadChunk reads one chunk page, reconstructing it against kinds (the
// spilling partition's static column schema — not itself persisted, since
// every row in one partitioned relation shares one schema known to both
// the writer and reader ahead of time). Returns io.EOF once the stream is
// exhausted.
func (br *BlockReader) ReadChunk(kinds []chunk.Kind) (*chunk.Chunk, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br.dec, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(br.dec, raw); err != nil {
		return nil, err
	}
	return decodeChunk(raw, kinds)
}

// Close releases the zstd decoder. The caller owns the wrapped io.Reader.
func (br *BlockReader) Close() {
	br.dec.Close()
}

func encodeChunk(chk *chunk.Chunk) []byte {
	buf := make([]byte, 0, chk.NumRows()*16+8)
	buf = appendUint32(buf, uint32(chk.NumRows()))
	for i := range chk.Columns {
		buf = encodeColumn(buf, &chk.Columns[i], chk.NumRows())
	}
	return buf
}

func encodeColumn(buf []byte, v *chunk.Vector, numRows int) []byte {
	if v.Nulls.Any() {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	for i := 0; i < numRows; i++ {
		isNull := v.Nulls.NullAt(i)
		if isNull {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		switch v.Kind {
		case chunk.KindInt64:
			var x int64
			if !isNull {
				x = v.Int64s[i]
			}
			buf = appendUint64(buf, uint64(x))
		case chunk.KindFloat64:
			var x float64
			if !isNull {
				x = v.Float64s[i]
			}
			buf = appendUint64(buf, math.Float64bits(x))
		case chunk.KindBytes:
			var b []byte
			if !isNull {
				b = v.Bytes[i]
			}
			buf = appendUint32(buf, uint32(len(b)))
			buf = append(buf, b...)
		}
	}
	return buf
}

func decodeChunk(raw []byte, kinds []chunk.Kind) (*chunk.Chunk, error) {
	pos := 0
	numRows := int(readUint32(raw, &pos))
	chk := chunk.NewChunk(kinds, numRows)
	for i := range chk.Columns {
		decodeColumn(raw, &pos, &chk.Columns[i], numRows)
	}
	for i := 0; i < numRows; i++ {
		chk.IncRowsForAppend()
	}
	return chk, nil
}

func decodeColumn(raw []byte, pos *int, v *chunk.Vector, numRows int) {
	*pos++ // the "any nulls" flag byte is informational only; NullAt is reconstructed per cell below
	for i := 0; i < numRows; i++ {
		isNull := raw[*pos] == 1
		*pos++
		switch v.Kind {
		case chunk.KindInt64:
			x := int64(readUint64(raw, pos))
			v.Int64s = append(v.Int64s, x)
		case chunk.KindFloat64:
			x := math.Float64frombits(readUint64(raw, pos))
			v.Float64s = append(v.Float64s, x)
		case chunk.KindBytes:
			n := readUint32(raw, pos)
			b := append([]byte(nil), raw[*pos:*pos+int(n)]...)
			*pos += int(n)
			v.Bytes = append(v.Bytes, b)
		}
		if isNull {
			if v.Nulls == nil {
				v.Nulls = chunk.NewBitmap(numRows)
			}
			v.Nulls.SetNull(i)
		}
	}
}

func appendUint32(buf []byte, x uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], x)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, x uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return append(buf, b[:]...)
}

func readUint32(raw []byte, pos *int) uint32 {
	x := binary.LittleEndian.Uint32(raw[*pos:])
	*pos += 4
	return x
}

func readUint64(raw []byte, pos *int) uint64 {
	x := binary.LittleEndian.Uint64(raw[*pos:])
	*pos += 8
	return x
}
