package fastcgi

import (
	"encoding/binary"
)

// readSize decodes one name-value length: a single byte below 128, or four
// bytes with the top bit set.
func readSize(s []byte) (uint32, int) {
	if len(s) == 0 {
		return 0, 0
	}

	size, n := uint32(s[0]), 1

	if size&(1<<7) != 0 {
		if len(s) < 4 {
			return 0, 0
		}

		n = 4
		size = binary.BigEndian.Uint32(s)
		size &^= 1 << 31
	}

	return size, n
}

func encodeSize(b []byte, size uint32) int {
	if size > 127 {
		size |= 1 << 31
		binary.BigEndian.PutUint32(b, size)

		return 4
	}

	b[0] = byte(size)

	return 1
}

// walkPairs decodes a name-value pair stream, invoking fn for each pair.
// Truncated pairs fail the whole stream.
func walkPairs(s []byte, fn func(name, value []byte) error) error {
	for len(s) > 0 {
		nameLen, n := readSize(s)
		if n == 0 {
			return protocolErrorf("truncated name length in pair stream")
		}
		s = s[n:]

		valueLen, n := readSize(s)
		if n == 0 {
			return protocolErrorf("truncated value length in pair stream")
		}
		s = s[n:]

		if uint32(len(s)) < nameLen+valueLen || nameLen+valueLen < nameLen {
			return protocolErrorf("pair bytes exceed stream (%d+%d of %d)", nameLen, valueLen, len(s))
		}

		if err := fn(s[:nameLen], s[nameLen:nameLen+valueLen]); err != nil {
			return err
		}

		s = s[nameLen+valueLen:]
	}

	return nil
}

// parsePairs decodes a complete pair stream into a map. Duplicate names keep
// the last value, as CGI variables do.
func parsePairs(s []byte) (map[string]string, error) {
	pairs := make(map[string]string)

	err := walkPairs(s, func(name, value []byte) error {
		pairs[string(name)] = string(value)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return pairs, nil
}

// appendPair encodes one name-value pair onto dst.
func appendPair(dst []byte, name, value string) []byte {
	var b [8]byte

	n := encodeSize(b[:], uint32(len(name)))
	n += encodeSize(b[n:], uint32(len(value)))

	dst = append(dst, b[:n]...)
	dst = append(dst, name...)
	dst = append(dst, value...)

	return dst
}

// pairLen is the encoded size of one pair without building it.
func pairLen(name, value string) int {
	n := len(name) + len(value) + 2

	if len(name) > 127 {
		n += 3
	}

	if len(value) > 127 {
		n += 3
	}

	return n
}
