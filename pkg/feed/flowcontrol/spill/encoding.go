/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package spill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	lengthFieldSize   = 4
	checksumFieldSize = 4
	// RecordOverhead is the number of header bytes stored in front of every spilled frame.
	RecordOverhead = lengthFieldSize + checksumFieldSize
)

var errChecksumMismatch = errors.New("spill record checksum mismatch")

// RecordSize returns the on-disk size of a frame of n bytes.
func RecordSize(n int) int64 {
	return int64(n) + RecordOverhead
}

// appendRecord appends one `[len][crc32][payload]` record to dst, both header fields little endian.
func appendRecord(dst, frame []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(frame)))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(frame))
	return append(dst, frame...)
}

// readRecord reads the next record. It returns io.EOF only on a clean record boundary.
func readRecord(r io.Reader) ([]byte, error) {
	var header [RecordOverhead]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated spill record header: %w", err)
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:lengthFieldSize])
	want := binary.LittleEndian.Uint32(header[lengthFieldSize:])

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("truncated spill record payload of %d bytes: %w", size, err)
	}
	if crc32.ChecksumIEEE(frame) != want {
		return nil, errChecksumMismatch
	}
	return frame, nil
}
