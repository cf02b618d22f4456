package active

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

func keyedResults(e *KeyedExpression) map[any]any {
	out := make(map[any]any)
	for _, row := range e.GetResults() {
		out[row.Key] = row.Result
	}
	return out
}

var _ = Describe("KeyedExpression", func() {
	var src *source.Map
	var e *KeyedExpression

	BeforeEach(func() {
		src = source.NewMap(
			source.Entry{Key: "a", Value: 1},
			source.Entry{Key: "b", Value: 2},
			source.Entry{Key: "c", Value: 3},
		)
		var err error
		e, err = NewKeyed(src, double, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		e.Dispose()
	})

	It("materializes the initial enumeration", func() {
		Expect(e.Count()).To(Equal(3))
		Expect(keyedResults(e)).To(Equal(map[any]any{"a": 2, "b": 4, "c": 6}))

		row, ok := e.Get("b")
		Expect(ok).To(BeTrue())
		Expect(row).To(Equal(KeyedPair{Key: "b", Value: 2, Result: 4}))

		_, ok = e.Get("nope")
		Expect(ok).To(BeFalse())
	})

	It("enumerates keys in a stable order independent of insertion", func() {
		Expect(e.Keys()).To(Equal([]any{"a", "b", "c"}))

		src.Set("0", 9)
		Expect(e.Keys()).To(Equal([]any{"0", "a", "b", "c"}))
	})

	It("translates a new entry into an add record", func() {
		var got EntryChange
		remove := e.OnChange(func(c EntryChange) { got = c })
		defer remove()

		src.Set("d", 4)

		Expect(got.Kind).To(Equal(source.Add))
		Expect(got.Key).To(Equal("d"))
		Expect(got.New).To(Equal(Pair{Element: 4, Result: 8}))
		Expect(keyedResults(e)).To(HaveKeyWithValue("d", 8))
	})

	It("translates an overwrite into a replace record", func() {
		var got EntryChange
		remove := e.OnChange(func(c EntryChange) { got = c })
		defer remove()

		src.Set("b", 20)

		Expect(got.Kind).To(Equal(source.Replace))
		Expect(got.Key).To(Equal("b"))
		Expect(got.Old).To(Equal(Pair{Element: 2, Result: 4}))
		Expect(got.New).To(Equal(Pair{Element: 20, Result: 40}))
		Expect(keyedResults(e)).To(HaveKeyWithValue("b", 40))
	})

	It("translates a deletion into a remove record", func() {
		var got EntryChange
		remove := e.OnChange(func(c EntryChange) { got = c })
		defer remove()

		Expect(src.Delete("a")).To(BeTrue())

		Expect(got.Kind).To(Equal(source.Remove))
		Expect(got.Key).To(Equal("a"))
		Expect(got.Old).To(Equal(Pair{Element: 1, Result: 2}))
		Expect(e.Count()).To(Equal(2))
	})

	It("translates a reset into a reset record and a fresh store", func() {
		var got EntryChange
		remove := e.OnChange(func(c EntryChange) { got = c })
		defer remove()

		src.Reset(source.Entry{Key: "x", Value: 7})

		Expect(got.Kind).To(Equal(source.Reset))
		Expect(keyedResults(e)).To(Equal(map[any]any{"x": 14}))
	})

	Context("unit sharing", func() {
		It("shares one unit between entries holding equal values", func() {
			src.Set("d", 2)

			Expect(e.Count()).To(Equal(4))
			Expect(e.UnitCount()).To(Equal(3))
			Expect(e.RefCount(2)).To(Equal(2))
		})

		It("keeps the unit alive while any entry holds the value", func() {
			src.Set("d", 2)
			Expect(src.Delete("b")).To(BeTrue())

			Expect(e.RefCount(2)).To(Equal(1))
			Expect(keyedResults(e)).To(HaveKeyWithValue("d", 4))
		})

		It("reports every key sharing the unit on a value change", func() {
			a := &counter{n: 1}
			deref := expression.NewFunc("deref", func(args ...any) (any, error) {
				return args[0].(*counter).get(), nil
			})

			src := source.NewMap(
				source.Entry{Key: "x", Value: a},
				source.Entry{Key: "y", Value: a},
			)
			e, err := NewKeyed(src, deref, Options{Logger: logger})
			Expect(err).NotTo(HaveOccurred())
			defer e.Dispose()

			var got EntryValueChange
			remove := e.OnValueChange(func(c EntryValueChange) { got = c })
			defer remove()

			a.set(9)
			src.Touch("x")

			Expect(got.OldResult).To(Equal(1))
			Expect(got.NewResult).To(Equal(9))
			Expect(got.Keys).To(ConsistOf("x", "y"))
			Expect(keyedResults(e)).To(Equal(map[any]any{"x": 9, "y": 9}))
		})
	})

	Context("self-healing", func() {
		It("falls back to a full rebuild on an out-of-shape change", func() {
			// Deleting a key the engine never materialized cannot
			// happen through source.Map; simulate it by resending a
			// remove for an already-removed key.
			var got []EntryChange
			remove := e.OnChange(func(c EntryChange) { got = append(got, c) })
			defer remove()

			e.handleSourceChange(source.KeyedChange{Kind: source.Remove, Key: "ghost"})

			Expect(got).To(HaveLen(1))
			Expect(got[0].Kind).To(Equal(source.Reset))
			Expect(keyedResults(e)).To(Equal(map[any]any{"a": 2, "b": 4, "c": 6}))
		})
	})
})
