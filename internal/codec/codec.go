// Package codec implements symbol-wise compression against a dict.Dictionary:
// a byte range is turned into a bit-packed payload with a trailing padding
// count, and that payload is later walked back into bytes via the
// dictionary's decode trie.
package codec

import (
	"errors"

	"filedserver/internal/bitbuf"
	"filedserver/internal/dict"
)

// ErrMalformed is returned by Decompress when the input cannot be walked
// to completion against the dictionary's trie.
var ErrMalformed = errors.New("codec: malformed compressed payload")

// Compress encodes in against dictionary, returning a buffer of size
// writeOffset + ceil(bits/8) + 1: writeOffset reserved bytes (left for the
// caller's own metadata), the packed body, and a final padding-count byte.
func Compress(dictionary *dict.Dictionary, in []byte, writeOffset int) ([]byte, error) {
	bb := bitbuf.New(len(in) + 1)
	for _, b := range in {
		e := dictionary.Encode[b]
		for j := uint8(0); j < e.Len; j++ {
			bit := byte((e.Code >> (e.Len - 1 - j)) & 1)
			bb.PushBit(bit)
		}
	}
	nBits := bb.NBits()
	pad := (8 - nBits%8) % 8
	bodyLen := bb.ByteLen()

	out := make([]byte, writeOffset+bodyLen+1)
	copy(out[writeOffset:], bb.Bytes())
	out[len(out)-1] = byte(pad)
	return out, nil
}

// Decompress walks in (a Compress-produced buffer, with no leading
// write-offset prefix) back into the original bytes using dictionary's
// trie, stopping at the padding count stored in the final byte.
func Decompress(dictionary *dict.Dictionary, in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrMalformed
	}
	pad := int(in[len(in)-1])
	body := in[:len(in)-1]
	totalBits := len(body)*8 - pad
	if totalBits < 0 {
		return nil, ErrMalformed
	}

	out := make([]byte, 0, len(body))
	node := dictionary.Root
	bitsRead := 0
	for _, b := range body {
		for i := uint(0); i < 8 && bitsRead < totalBits; i++ {
			bit := (b >> (7 - i)) & 1
			if bit == 1 {
				node = node.Right
			} else {
				node = node.Left
			}
			if node == nil {
				return nil, ErrMalformed
			}
			bitsRead++
			if node.Leaf {
				out = append(out, node.Symbol)
				node = dictionary.Root
			}
		}
	}
	if node != dictionary.Root {
		return nil, ErrMalformed
	}
	return out, nil
}
