// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goetr

func divRoundUp(n int, d int) int {
	return (n + d - 1) / d
}

func minInt(a int, b int) int {
	if a < b {
		return a
	}
	return b
}

func isPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}
