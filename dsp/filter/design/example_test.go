package design_test

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// ExampleHighShelf demonstrates building a high-shelf biquad and reading
// its magnitude response through a single-section chain.
func ExampleHighShelf() {
	coeffs := design.HighShelf(1500, 4.0, 1/1.4142135623730951, 48000)
	chain := biquad.NewChain([]biquad.Coefficients{coeffs})

	fmt.Printf("sections=%d order=%d\n", chain.NumSections(), chain.Order())

	// Output:
	// sections=1 order=2
}
