// Package mask implements the column-level data masking policy applied to
// backend DataRow fields.
package mask

// Strategy transforms a field's raw bytes into its masked replacement. Each
// strategy must be pure with respect to the input: no cross-row state.
type Strategy interface {
	Mask(data []byte) []byte
}

// CaviarMask replaces the entire value with Length copies of '*' regardless
// of input, including empty input.
type CaviarMask struct {
	Length int
}

func (m CaviarMask) Mask(data []byte) []byte {
	out := make([]byte, m.Length)
	for i := range out {
		out[i] = '*'
	}
	return out
}

// CaviarShapeMask preserves length: only ASCII alphanumeric bytes are
// replaced with '*'; everything else is copied unchanged. Classification is
// per byte, so multi-byte UTF-8 runs pass through rather than being masked.
type CaviarShapeMask struct{}

func (CaviarShapeMask) Mask(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		if isASCIIAlnum(b) {
			out[i] = '*'
		} else {
			out[i] = b
		}
	}
	return out
}

func isASCIIAlnum(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
