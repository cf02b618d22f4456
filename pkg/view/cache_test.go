package view

import (
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epiforge/activeview/pkg/expression"
	"github.com/epiforge/activeview/pkg/source"
)

var _ = ginkgo.Describe("Registry", func() {
	var r *Registry
	var src *source.Slice

	ginkgo.BeforeEach(func() {
		r = NewRegistry(RegistryOptions{Logger: logger})
		src = source.NewSlice(1, 2, 3, 4)
	})

	ginkgo.It("hands out the same view for an identical acquisition", func() {
		a, err := r.Where(src, isEven, expression.Options{})
		Expect(err).NotTo(HaveOccurred())
		b, err := r.Where(src, isEven, expression.Options{})
		Expect(err).NotTo(HaveOccurred())

		Expect(b).To(BeIdenticalTo(a))
		Expect(r.Len()).To(Equal(1))

		a.Dispose()
		b.Dispose()
		Expect(r.Len()).To(Equal(0))
	})

	ginkgo.It("separates views by shape even over the same source and computation", func() {
		f, err := r.Where(src, isEven, expression.Options{})
		Expect(err).NotTo(HaveOccurred())
		g, err := r.GroupBy(src, isEven, expression.Options{})
		Expect(err).NotTo(HaveOccurred())

		Expect(r.Len()).To(Equal(2))

		f.Dispose()
		g.Dispose()
	})

	ginkgo.It("keeps a shared view live until the last dispose", func() {
		a, err := r.Where(src, isEven, expression.Options{})
		Expect(err).NotTo(HaveOccurred())
		b, err := r.Where(src, isEven, expression.Options{})
		Expect(err).NotTo(HaveOccurred())

		a.Dispose()

		src.Append(6)
		Expect(b.Items()).To(Equal([]any{2, 4, 6}))

		b.Dispose()
	})

	ginkgo.It("shares one engine between views over the same computation", func() {
		p, err := r.Select(src, double, expression.Options{})
		Expect(err).NotTo(HaveOccurred())
		defer p.Dispose()

		q, err := r.Select(src, double, expression.Options{Tag: "other"})
		Expect(err).NotTo(HaveOccurred())
		defer q.Dispose()

		// Distinct tags, distinct engines; same tag, same engine.
		Expect(q.e.ID()).NotTo(Equal(p.e.ID()))

		p2, err := NewProjected(src, double, Options{Logger: logger})
		Expect(err).NotTo(HaveOccurred())
		defer p2.Dispose()

		Expect(p2.e.ID()).To(Equal(p.e.ID()))
	})

	ginkgo.It("deduplicates ordered and mapped views", func() {
		a, err := r.OrderBy(src, expression.Options{}, IndexHash, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		b, err := r.OrderBy(src, expression.Options{}, IndexHash, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(b).To(BeIdenticalTo(a))

		c, err := r.OrderBy(src, expression.Options{}, IndexTree, SortKey{Key: identity})
		Expect(err).NotTo(HaveOccurred())
		Expect(c).NotTo(BeIdenticalTo(a))

		m1, err := r.SelectMap(src, mod3, double, expression.Options{})
		Expect(err).NotTo(HaveOccurred())
		m2, err := r.SelectMap(src, mod3, double, expression.Options{})
		Expect(err).NotTo(HaveOccurred())
		Expect(m2).To(BeIdenticalTo(m1))

		a.Dispose()
		b.Dispose()
		c.Dispose()
		m1.Dispose()
		m2.Dispose()
		Expect(r.Len()).To(Equal(0))
	})
})
