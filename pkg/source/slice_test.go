package source

import (
	"sync"
	"sync/atomic"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("Slice", func() {
	var s *Slice
	var changes []Change

	ginkgo.BeforeEach(func() {
		s = NewSlice(1, 2, 3)
		changes = nil
		s.OnChange(func(c Change) { changes = append(changes, c) })
	})

	ginkgo.It("enumerates its initial content", func() {
		Expect(s.Len()).To(Equal(3))
		Expect(s.At(0)).To(Equal(1))
		Expect(s.Items()).To(Equal([]any{1, 2, 3}))
	})

	ginkgo.It("announces inserts with position and items", func() {
		s.Insert(1, 10, 11)

		Expect(s.Items()).To(Equal([]any{1, 10, 11, 2, 3}))
		Expect(changes).To(HaveLen(1))
		Expect(changes[0].Kind).To(Equal(Add))
		Expect(changes[0].NewItems).To(Equal([]any{10, 11}))
		Expect(changes[0].NewIndex).To(Equal(1))
	})

	ginkgo.It("announces appends at the tail", func() {
		s.Append(4)

		Expect(changes[0].NewIndex).To(Equal(3))
		Expect(s.Items()).To(Equal([]any{1, 2, 3, 4}))
	})

	ginkgo.It("announces removes with the removed items", func() {
		s.RemoveAt(1, 2)

		Expect(s.Items()).To(Equal([]any{1}))
		Expect(changes).To(HaveLen(1))
		Expect(changes[0].Kind).To(Equal(Remove))
		Expect(changes[0].OldItems).To(Equal([]any{2, 3}))
		Expect(changes[0].OldIndex).To(Equal(1))
	})

	ginkgo.It("announces replaces with both sides", func() {
		s.Set(2, 30)

		Expect(s.Items()).To(Equal([]any{1, 2, 30}))
		Expect(changes[0].Kind).To(Equal(Replace))
		Expect(changes[0].OldItems).To(Equal([]any{3}))
		Expect(changes[0].NewItems).To(Equal([]any{30}))
		Expect(changes[0].OldIndex).To(Equal(2))
	})

	ginkgo.It("moves a block without reshaping it", func() {
		s.Move(0, 2, 1)

		Expect(s.Items()).To(Equal([]any{2, 3, 1}))
		Expect(changes[0].Kind).To(Equal(Move))
		Expect(changes[0].NewItems).To(Equal([]any{1}))
		Expect(changes[0].OldIndex).To(Equal(0))
		Expect(changes[0].NewIndex).To(Equal(2))
	})

	ginkgo.It("announces resets without items", func() {
		s.Reset(9, 8)

		Expect(s.Items()).To(Equal([]any{9, 8}))
		Expect(changes[0].Kind).To(Equal(Reset))
		Expect(changes[0].OldItems).To(BeNil())
		Expect(changes[0].NewItems).To(BeNil())
	})

	ginkgo.It("signals in-place mutations without a structural change", func() {
		var touched []int
		s.OnElementChanged(func(i int, _ any) { touched = append(touched, i) })

		s.Touch(2)

		Expect(touched).To(Equal([]int{2}))
		Expect(changes).To(BeEmpty())
	})

	ginkgo.It("keeps handlers in registration order and honors removal", func() {
		var order []string
		remove := s.OnChange(func(Change) { order = append(order, "a") })
		s.OnChange(func(Change) { order = append(order, "b") })

		s.Append(4)
		Expect(order).To(Equal([]string{"a", "b"}))

		remove()
		s.Append(5)
		Expect(order).To(Equal([]string{"a", "b", "b"}))
	})

	ginkgo.It("panics on out-of-range access", func() {
		Expect(func() { s.Insert(7, 1) }).To(Panic())
		Expect(func() { s.RemoveAt(2, 5) }).To(Panic())
		Expect(func() { s.Set(-1, 0) }).To(Panic())
		Expect(func() { s.Touch(3) }).To(Panic())
	})

	ginkgo.It("delivers to a re-reading handler while other goroutines mutate", func() {
		const workers, perWorker, resets = 8, 50, 20

		s := NewSlice()
		var delivered atomic.Int64
		s.OnChange(func(Change) {
			// Re-enters the state lock, the way an engine rebuild does.
			_ = s.Len()
			delivered.Add(1)
		})

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					s.Append(i)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < resets; i++ {
				s.Reset(i)
			}
		}()
		wg.Wait()

		Expect(delivered.Load()).To(Equal(int64(workers*perWorker + resets)))
	})
})

var _ = ginkgo.Describe("Map", func() {
	var m *Map
	var changes []KeyedChange

	ginkgo.BeforeEach(func() {
		m = NewMap(Entry{"a", 1}, Entry{"b", 2})
		changes = nil
		m.OnChange(func(c KeyedChange) { changes = append(changes, c) })
	})

	ginkgo.It("enumerates in insertion order", func() {
		Expect(m.Len()).To(Equal(2))
		Expect(m.Keys()).To(Equal([]any{"a", "b"}))
		Expect(m.Entries()).To(Equal([]Entry{{"a", 1}, {"b", 2}}))
	})

	ginkgo.It("announces adds and replaces through Set", func() {
		m.Set("c", 3)
		m.Set("a", 10)

		Expect(changes).To(HaveLen(2))
		Expect(changes[0]).To(Equal(KeyedChange{Kind: Add, Key: "c", New: 3}))
		Expect(changes[1]).To(Equal(KeyedChange{Kind: Replace, Key: "a", Old: 1, New: 10}))
	})

	ginkgo.It("panics on duplicate-key insertion", func() {
		Expect(func() { m.Insert("a", 0) }).To(Panic())
	})

	ginkgo.It("announces deletes and tolerates missing keys", func() {
		Expect(m.Delete("a")).To(BeTrue())
		Expect(m.Delete("zzz")).To(BeFalse())

		Expect(changes).To(HaveLen(1))
		Expect(changes[0]).To(Equal(KeyedChange{Kind: Remove, Key: "a", Old: 1}))
		Expect(m.Keys()).To(Equal([]any{"b"}))
	})

	ginkgo.It("announces resets", func() {
		m.Reset(Entry{"x", 9})

		Expect(changes[0].Kind).To(Equal(Reset))
		Expect(m.Keys()).To(Equal([]any{"x"}))
	})

	ginkgo.It("signals in-place value mutations", func() {
		var touched []any
		m.OnEntryChanged(func(k, _ any) { touched = append(touched, k) })

		m.Touch("b")

		Expect(touched).To(Equal([]any{"b"}))
		Expect(changes).To(BeEmpty())
	})
})

var _ = ginkgo.Describe("Watcher", func() {
	ginkgo.It("streams changes and stops cleanly", func() {
		s := NewSlice(1)
		w := NewWatcher(s, WatchOptions{Buffer: 4})

		s.Append(2)
		s.RemoveAt(0, 1)

		var got []Kind
		got = append(got, (<-w.C()).Kind)
		got = append(got, (<-w.C()).Kind)
		Expect(got).To(Equal([]Kind{Add, Remove}))

		w.Stop()
		w.Stop() // idempotent

		_, open := <-w.C()
		Expect(open).To(BeFalse())

		// A stopped watcher ignores further mutations.
		s.Append(3)
	})
})
