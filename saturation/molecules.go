package saturation

/**
* MIT License
*
* Copyright (c) 2017 Broad Institute
*
* Permission is hereby granted, free of charge, to any person obtaining a copy
* of this software and associated documentation files (the "Software"), to deal
* in the Software without restriction, including without limitation the rights
* to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
* copies of the Software, and to permit persons to whom the Software is
* furnished to do so, subject to the following conditions:
*
* The above copyright notice and this permission notice shall be included in all
* copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
* IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
* FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
* AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
* LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
* OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
* SOFTWARE.
 */

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

var errNoDuplicates = errors.E(errors.Invalid, "no duplicate reads")

// estimateMolecules estimates the number of distinct molecules in a cell from
// the reads of the cell and its distinct UMIs, with the Lander-Waterman
// equation
//
//	C/X = 1 - exp(-N/X)
//
// where X is the number of molecules, N the reads and C the distinct UMIs.
func estimateMolecules(reads, umis uint64) (uint64, error) {
	f := func(x, c, n float64) float64 {
		return c/x + math.Expm1(-n/x)
	}
	if reads == 0 || umis >= reads {
		return 0, errNoDuplicates
	}
	n := float64(reads)
	c := float64(umis)
	lo, hi := 1.0, 100.0
	if f(lo*c, c, n) < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("invalid reads and UMIs: %d, %d", reads, umis))
	}
	// When c and n are large and nearly equal hi may overflow before f
	// turns negative.
	for f(hi*c, c, n) >= 0 {
		hi *= 10
		if math.IsInf(hi, 1) {
			return 0, errors.E(errors.Invalid, fmt.Sprintf("no upper bound for reads and UMIs: %d, %d", reads, umis))
		}
	}
	for i := 0; i < 40; i++ {
		r := (lo + hi) / 2
		u := f(r*c, c, n)
		if u == 0 {
			break
		} else if u > 0 {
			lo = r
		} else {
			hi = r
		}
	}
	return uint64(c * (lo + hi) / 2), nil
}
