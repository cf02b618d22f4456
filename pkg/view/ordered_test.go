package view

import (
	"fmt"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

var _ = ginkgo.Describe("Ordered", func() {
	for _, kind := range []IndexKind{IndexNone, IndexHash, IndexTree} {
		kind := kind

		ginkgo.Context(fmt.Sprintf("with index kind %d", kind), func() {
			newView := func(src *source.Slice, keys ...SortKey) *Ordered {
				o, err := NewOrdered(src, OrderedOptions{Options: Options{Logger: logger}, Index: kind}, keys...)
				Expect(err).NotTo(HaveOccurred())
				return o
			}

			ginkgo.It("sorts the initial contents", func() {
				src := source.NewSlice(3, 1, 2)
				o := newView(src, SortKey{Key: identity})
				defer o.Dispose()

				Expect(o.Items()).To(Equal([]any{1, 2, 3}))
				Expect(o.At(0)).To(Equal(1))
				Expect(o.Len()).To(Equal(3))
			})

			ginkgo.It("sorts descending when asked", func() {
				src := source.NewSlice(3, 1, 2)
				o := newView(src, SortKey{Key: identity, Direction: Descending})
				defer o.Dispose()

				Expect(o.Items()).To(Equal([]any{3, 2, 1}))
			})

			ginkgo.It("inserts arrivals at their sorted position", func() {
				src := source.NewSlice(10, 30)
				o := newView(src, SortKey{Key: identity})
				defer o.Dispose()

				var got []source.Change
				remove := o.OnChange(func(c source.Change) { got = append(got, c) })
				defer remove()

				src.Append(20)

				Expect(got).To(HaveLen(1))
				Expect(got[0].Kind).To(Equal(source.Add))
				Expect(got[0].NewIndex).To(Equal(1))
				Expect(o.Items()).To(Equal([]any{10, 20, 30}))
			})

			ginkgo.It("removes the departed occurrence", func() {
				src := source.NewSlice(2, 1, 3)
				o := newView(src, SortKey{Key: identity})
				defer o.Dispose()

				src.RemoveAt(0, 1)

				Expect(o.Items()).To(Equal([]any{1, 3}))
			})

			ginkgo.It("keeps equal keys in arrival order", func() {
				a, b := &counter{n: 1}, &counter{n: 1}
				src := source.NewSlice(a, b)
				o := newView(src, SortKey{Key: derefCounter})
				defer o.Dispose()

				Expect(o.Items()).To(Equal([]any{a, b}))

				src.Move(0, 1, 1)
				// Source order changed; arrival order did not.
				Expect(o.Items()).To(Equal([]any{a, b}))
			})

			ginkgo.It("relocates an element whose key changed in place", func() {
				a, b, c := &counter{n: 1}, &counter{n: 2}, &counter{n: 3}
				src := source.NewSlice(a, b, c)
				o := newView(src, SortKey{Key: derefCounter})
				defer o.Dispose()

				var got []source.Change
				remove := o.OnChange(func(ch source.Change) { got = append(got, ch) })
				defer remove()

				a.set(9)
				src.Touch(0)

				Expect(got).To(HaveLen(1))
				Expect(got[0].Kind).To(Equal(source.Move))
				Expect(got[0].OldIndex).To(Equal(0))
				Expect(got[0].NewIndex).To(Equal(2))
				Expect(o.Items()).To(Equal([]any{b, c, a}))
			})

			ginkgo.It("sorts faulted elements after healthy ones", func() {
				a, b, c := &counter{n: 3}, &counter{n: -1}, &counter{n: 1}
				src := source.NewSlice(a, b, c)
				o := newView(src, SortKey{Key: derefOrFault})
				defer o.Dispose()

				Expect(o.Items()).To(Equal([]any{c, a, b}))

				b.set(2)
				src.Touch(1)

				Expect(o.Items()).To(Equal([]any{c, b, a}))
			})

			ginkgo.It("orders by a compound key, later keys breaking ties", func() {
				type row struct{ group, rank int }
				groupOf := expression.NewFunc("group", func(args ...any) (any, error) {
					return args[0].(*row).group, nil
				})
				rankOf := expression.NewFunc("rank", func(args ...any) (any, error) {
					return args[0].(*row).rank, nil
				})

				r1 := &row{group: 1, rank: 2}
				r2 := &row{group: 0, rank: 9}
				r3 := &row{group: 1, rank: 1}

				src := source.NewSlice(r1, r2, r3)
				o := newView(src, SortKey{Key: groupOf}, SortKey{Key: rankOf})
				defer o.Dispose()

				Expect(o.Items()).To(Equal([]any{r2, r3, r1}))
			})
		})
	}
})

var _ = ginkgo.Describe("Sort", func() {
	ginkgo.It("sorts a snapshot without maintaining anything", func() {
		out, err := Sort([]any{3, 1, 2}, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{1, 2, 3}))
	})

	ginkgo.It("sorts nils first ascending and last descending", func() {
		out, err := Sort([]any{2, nil, 1}, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{nil, 1, 2}))

		out, err = Sort([]any{2, nil, 1}, SortKey{Key: identity, Direction: Descending})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{2, 1, nil}))
	})

	ginkgo.It("distinguishes adjacent integers beyond float precision", func() {
		big := int64(1) << 60
		out, err := Sort([]any{big + 1, big}, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{big, big + 1}))

		out, err = Sort([]any{uint64(1)<<63 + 1, uint64(1) << 63}, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{uint64(1) << 63, uint64(1)<<63 + 1}))
	})

	ginkgo.It("orders mixed-signedness integers by value", func() {
		out, err := Sort([]any{uint64(1) << 63, int64(-1), uint64(0)}, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{int64(-1), uint64(0), uint64(1) << 63}))
	})

	ginkgo.It("reports a key fault as an error", func() {
		a := &counter{n: -1}
		_, err := Sort([]any{a}, SortKey{Key: derefOrFault})
		Expect(err).To(HaveOccurred())
	})

	ginkgo.It("is stable", func() {
		a, b := &counter{n: 1}, &counter{n: 1}
		out, err := Sort([]any{a, b}, SortKey{Key: derefCounter})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal([]any{a, b}))
	})
})
