package smt

// isRight reports whether the path turns right below level. Only the last
// depth bits of path are used, most significant first.
func isRight(path []byte, level int, depth int) bool {
	return hasBit(path, len(path)*8-depth+level)
}

// hasBit reads bit position of data, counting from the most significant bit.
func hasBit(data []byte, position int) bool {
	return data[position/8]&(0x80>>(uint(position)%8)) != 0
}

func setBit(data []byte, position int) {
	data[position/8] |= 0x80 >> (uint(position) % 8)
}

func countSetBits(data []byte, limit int) int {
	count := 0
	for i := 0; i < limit; i++ {
		if hasBit(data, i) {
			count++
		}
	}
	return count
}
