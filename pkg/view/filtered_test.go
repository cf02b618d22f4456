package view

import (
	"errors"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

var _ = ginkgo.Describe("Filtered", func() {
	var src *source.Slice
	var f *Filtered

	ginkgo.BeforeEach(func() {
		src = source.NewSlice(1, 2, 3, 4)
		var err error
		f, err = NewFiltered(src, isEven, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		f.Dispose()
	})

	ginkgo.It("admits only matching elements", func() {
		Expect(f.Items()).To(Equal([]any{2, 4}))
		Expect(f.Len()).To(Equal(2))
		Expect(f.At(0)).To(Equal(2))
	})

	ginkgo.It("translates an add of a matching element into a visible add", func() {
		var got []source.Change
		remove := f.OnChange(func(c source.Change) { got = append(got, c) })
		defer remove()

		src.Append(6)

		Expect(got).To(HaveLen(1))
		Expect(got[0].Kind).To(Equal(source.Add))
		Expect(got[0].NewItems).To(Equal([]any{6}))
		Expect(got[0].NewIndex).To(Equal(2))
		Expect(f.Items()).To(Equal([]any{2, 4, 6}))
	})

	ginkgo.It("stays silent on an add of a non-matching element", func() {
		var got []source.Change
		remove := f.OnChange(func(c source.Change) { got = append(got, c) })
		defer remove()

		src.Append(7)

		Expect(got).To(BeEmpty())
		Expect(f.Items()).To(Equal([]any{2, 4}))
	})

	ginkgo.It("uses visible indexes, not source indexes", func() {
		var got []source.Change
		remove := f.OnChange(func(c source.Change) { got = append(got, c) })
		defer remove()

		// Source index 3 holds 4, which is visible index 1.
		src.RemoveAt(3, 1)

		Expect(got).To(HaveLen(1))
		Expect(got[0].Kind).To(Equal(source.Remove))
		Expect(got[0].OldIndex).To(Equal(1))
		Expect(f.Items()).To(Equal([]any{2}))
	})

	ginkgo.It("translates a replace according to both sides' visibility", func() {
		var got []source.Change
		remove := f.OnChange(func(c source.Change) { got = append(got, c) })
		defer remove()

		src.Set(1, 8) // visible -> visible
		src.Set(0, 9) // hidden -> hidden
		src.Set(2, 6) // hidden -> visible
		src.Set(3, 7) // visible -> hidden

		Expect(got).To(HaveLen(3))
		Expect(got[0].Kind).To(Equal(source.Replace))
		Expect(got[0].NewItems).To(Equal([]any{8}))
		Expect(got[1].Kind).To(Equal(source.Add))
		Expect(got[1].NewItems).To(Equal([]any{6}))
		Expect(got[2].Kind).To(Equal(source.Remove))
		Expect(got[2].OldItems).To(Equal([]any{4}))
		Expect(f.Items()).To(Equal([]any{8, 6}))
	})

	ginkgo.It("follows a reset", func() {
		src.Reset(10, 11, 12)
		Expect(f.Items()).To(Equal([]any{10, 12}))
	})

	ginkgo.It("keeps visible order across a source move", func() {
		src.Move(1, 3, 1)
		Expect(f.Items()).To(Equal([]any{4, 2}))
	})
})

var _ = ginkgo.Describe("Filtered with mutable elements", func() {
	ginkgo.It("turns a predicate flip into an add with no source change", func() {
		a, b, c := &counter{n: 1}, &counter{n: 2}, &counter{n: 3}
		src := source.NewSlice(a, b, c)
		f, err := NewFiltered(src, isEvenCounter, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer f.Dispose()

		Expect(f.Items()).To(Equal([]any{b}))

		var got []source.Change
		remove := f.OnChange(func(ch source.Change) { got = append(got, ch) })
		defer remove()

		a.set(2)
		src.Touch(0)

		Expect(got).To(HaveLen(1))
		Expect(got[0].Kind).To(Equal(source.Add))
		Expect(got[0].NewItems).To(Equal([]any{a}))
		Expect(got[0].NewIndex).To(Equal(0))
		Expect(f.Items()).To(Equal([]any{a, b}))
	})

	ginkgo.It("turns the reverse flip into a remove", func() {
		a, b := &counter{n: 2}, &counter{n: 4}
		src := source.NewSlice(a, b)
		f, err := NewFiltered(src, isEvenCounter, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer f.Dispose()

		var got []source.Change
		remove := f.OnChange(func(ch source.Change) { got = append(got, ch) })
		defer remove()

		b.set(5)
		src.Touch(1)

		Expect(got).To(HaveLen(1))
		Expect(got[0].Kind).To(Equal(source.Remove))
		Expect(got[0].OldIndex).To(Equal(1))
		Expect(f.Items()).To(Equal([]any{a}))
	})

	ginkgo.It("excludes elements whose predicate faults until they heal", func() {
		evenOrFault := expression.NewFunc("evenOrFault", func(args ...any) (any, error) {
			n := args[0].(*counter).get()
			if n < 0 {
				return nil, errors.New("negative")
			}
			return n%2 == 0, nil
		})

		a := &counter{n: 2}
		src := source.NewSlice(a)
		f, err := NewFiltered(src, evenOrFault, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer f.Dispose()

		Expect(f.Items()).To(Equal([]any{a}))

		a.set(-2)
		src.Touch(0)
		Expect(f.Len()).To(Equal(0))

		a.set(2)
		src.Touch(0)
		Expect(f.Items()).To(Equal([]any{a}))
	})
})

var _ = ginkgo.Describe("Filtered stacking", func() {
	ginkgo.It("feeds a projected view downstream", func() {
		src := source.NewSlice(1, 2, 3, 4)
		f, err := NewFiltered(src, isEven, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer f.Dispose()

		p, err := NewProjected(f, double, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer p.Dispose()

		Expect(p.Items()).To(Equal([]any{4, 8}))

		src.Append(6)
		Expect(p.Items()).To(Equal([]any{4, 8, 12}))

		src.RemoveAt(1, 1)
		Expect(p.Items()).To(Equal([]any{8, 12}))
	})
})
