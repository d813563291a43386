// Package padding implements the fixed-block padding scheme spec.md §4.1
// requires before a plaintext body is handed to the ratchet cipher.
package padding

import "fmt"

// BlockSize is the block the padded buffer's length is rounded up to.
const BlockSize = 160

// terminator marks the end of the real content inside a padded buffer.
const terminator = 0x80

// Pad pads buf to a multiple of BlockSize: a single terminator byte is
// placed immediately after the content, and the rest of the final block is
// zero-filled. The result is always strictly longer than buf, even when
// len(buf) is already a multiple of BlockSize, since the terminator always
// needs room.
func Pad(buf []byte) []byte {
	paddedLen := ((len(buf) + 1 + BlockSize - 1) / BlockSize) * BlockSize
	out := make([]byte, paddedLen)
	copy(out, buf)
	out[len(buf)] = terminator
	return out
}

// Unpad reverses Pad by scanning back from the last byte for the
// terminator. Any non-zero byte encountered before the terminator is a
// padding violation.
func Unpad(buf []byte) ([]byte, error) {
	for i := len(buf) - 1; i >= 0; i-- {
		switch buf[i] {
		case 0:
			continue
		case terminator:
			return buf[:i], nil
		default:
			return nil, fmt.Errorf("padding: non-zero byte 0x%02x before terminator at offset %d", buf[i], i)
		}
	}
	return nil, fmt.Errorf("padding: no terminator found")
}
