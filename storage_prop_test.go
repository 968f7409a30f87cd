package asyncctx

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: arbitrarily deep nestings of Run always observe their own value
// inside the scope and restore the enclosing value on the way out, and the
// outermost exit leaves the slot empty.
func TestStorageNestedRunRestoration(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("nested runs restore enclosing values", prop.ForAll(
		func(values []int) bool {
			stack := NewStack()
			als := NewAsyncLocalStorage(stack, "prop")

			ok := true
			var recurse func(i int)
			recurse = func(i int) {
				if i == len(values) {
					return
				}
				_, err := als.Run(values[i], func(args ...any) (any, error) {
					if als.GetStore() != values[i] {
						ok = false
					}
					recurse(i + 1)
					if als.GetStore() != values[i] {
						ok = false
					}
					return nil, nil
				})
				if err != nil {
					ok = false
				}
			}
			recurse(0)
			return ok && als.GetStore() == nil
		},
		gen.SliceOf(gen.Int()),
	))

	properties.Property("exit hides any depth of bindings", prop.ForAll(
		func(values []int) bool {
			stack := NewStack()
			als := NewAsyncLocalStorage(stack, "prop")

			for _, v := range values {
				als.EnterWith(v)
			}
			hidden := true
			_, err := als.Exit(func(args ...any) (any, error) {
				hidden = als.GetStore() == nil
				return nil, nil
			})
			if err != nil {
				return false
			}
			if len(values) == 0 {
				return hidden && als.GetStore() == nil
			}
			return hidden && als.GetStore() == values[len(values)-1]
		},
		gen.SliceOf(gen.Int()),
	))

	properties.Property("swap round trips under any binding sequence", prop.ForAll(
		func(values []int) bool {
			stack := NewStack()
			als := NewAsyncLocalStorage(stack, "prop")

			snaps := make([]Snapshot, 0, len(values))
			for _, v := range values {
				als.EnterWith(v)
				snaps = append(snaps, stack.Snapshot())
			}
			// Every captured snapshot is still reachable and observes the
			// value that was ambient when it was taken.
			final := stack.Snapshot()
			for i, snap := range snaps {
				prev := stack.Swap(snap)
				if als.GetStore() != values[i] {
					return false
				}
				stack.Swap(prev)
			}
			return stack.Snapshot() == final
		},
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
