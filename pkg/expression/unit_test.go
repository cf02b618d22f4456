package expression

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	gomega "github.com/onsi/gomega"
)

// doubler multiplies its single integer argument by two.
var doubler = NewFunc("double", func(args ...any) (any, error) {
	return args[0].(int) * 2, nil
})

var _ = Describe("Unit", func() {
	var eval *FuncEvaluator

	BeforeEach(func() {
		eval = NewFuncEvaluator(logger)
	})

	It("evaluates eagerly on creation", func() {
		u, err := eval.Create(doubler, Options{}, 21)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(u.Value()).To(gomega.Equal(42))
		gomega.Expect(u.Fault()).To(gomega.BeNil())
	})

	It("rejects descriptions it cannot compute", func() {
		_, err := eval.Create(opaqueDescription{}, Options{})
		gomega.Expect(err).To(gomega.HaveOccurred())
	})

	It("captures computation errors as faults, not errors", func() {
		failing := NewFunc("failing", func(args ...any) (any, error) {
			return nil, errors.New("no result")
		})

		u, err := eval.Create(failing, Options{}, 1)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(u.Fault()).To(gomega.HaveOccurred())

		var evalErr *EvalError
		gomega.Expect(errors.As(u.Fault(), &evalErr)).To(gomega.BeTrue())
	})

	It("captures panics during evaluation as faults", func() {
		panicking := NewFunc("panicking", func(args ...any) (any, error) {
			panic("boom")
		})

		u, err := eval.Create(panicking, Options{}, 1)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(u.Fault()).To(gomega.MatchError(gomega.ContainSubstring("boom")))
	})

	It("keeps the last good value under fault", func() {
		healthy := true
		flaky := NewFunc("flaky", func(args ...any) (any, error) {
			if !healthy {
				return nil, errors.New("temporarily broken")
			}
			return args[0].(int) + 1, nil
		})

		u, err := eval.Create(flaky, Options{}, 10)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(u.Value()).To(gomega.Equal(11))

		healthy = false
		u.Refresh()
		gomega.Expect(u.Fault()).To(gomega.HaveOccurred())
		gomega.Expect(u.Value()).To(gomega.Equal(11), "fault must not erase the last value")

		healthy = true
		u.Refresh()
		gomega.Expect(u.Fault()).To(gomega.BeNil())
		gomega.Expect(u.Value()).To(gomega.Equal(11))
	})

	It("notifies on value transitions with old and new state", func() {
		cell := &intCell{v: 1}
		deref := NewFunc("deref", func(args ...any) (any, error) {
			return args[0].(*intCell).v, nil
		})

		u, err := eval.Create(deref, Options{}, cell)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		var changes []Change
		remove := u.OnChange(func(c Change) { changes = append(changes, c) })
		defer remove()

		cell.v = 2
		u.Refresh()

		gomega.Expect(changes).To(gomega.HaveLen(1))
		gomega.Expect(changes[0].OldValue).To(gomega.Equal(1))
		gomega.Expect(changes[0].NewValue).To(gomega.Equal(2))

		// No transition, no notification.
		u.Refresh()
		gomega.Expect(changes).To(gomega.HaveLen(1))
	})

	It("stops notifying after handler removal and after dispose", func() {
		cell := &intCell{v: 1}
		deref := NewFunc("deref", func(args ...any) (any, error) {
			return args[0].(*intCell).v, nil
		})

		u, err := eval.Create(deref, Options{}, cell)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		calls := 0
		remove := u.OnChange(func(Change) { calls++ })

		cell.v = 2
		u.Refresh()
		gomega.Expect(calls).To(gomega.Equal(1))

		remove()
		cell.v = 3
		u.Refresh()
		gomega.Expect(calls).To(gomega.Equal(1))

		u.Dispose()
		gomega.Expect(u.Disposed()).To(gomega.BeTrue())
		cell.v = 4
		u.Refresh()
		gomega.Expect(calls).To(gomega.Equal(1))
	})
})

var _ = Describe("Token", func() {
	It("identifies equal values identically", func() {
		gomega.Expect(Token(5)).To(gomega.Equal(Token(5)))
		gomega.Expect(Token("a")).NotTo(gomega.Equal(Token("b")))
	})

	It("distinguishes types with equal representations", func() {
		gomega.Expect(Token(1)).NotTo(gomega.Equal(Token("1")))
		gomega.Expect(Token(int64(1))).NotTo(gomega.Equal(Token(1)))
	})

	It("identifies pointers by address, not content", func() {
		a, b := &intCell{v: 1}, &intCell{v: 1}
		gomega.Expect(Token(a)).NotTo(gomega.Equal(Token(b)))
		gomega.Expect(Token(a)).To(gomega.Equal(Token(a)))
	})

	It("handles nil", func() {
		gomega.Expect(Token(nil)).To(gomega.Equal("nil"))
	})
})

var _ = Describe("UnitCache", func() {
	var cache *UnitCache

	BeforeEach(func() {
		cache = NewUnitCache(CacheOptions{Logger: logger})
	})

	It("shares structurally equal computations", func() {
		u1, err := cache.Acquire(doubler, Options{}, 3)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		u2, err := cache.Acquire(doubler, Options{}, 3)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		gomega.Expect(u1).To(gomega.BeIdenticalTo(u2))
		gomega.Expect(cache.Refs(u1)).To(gomega.Equal(2))
		gomega.Expect(cache.Len()).To(gomega.Equal(1))
	})

	It("separates by arguments, options and description", func() {
		u1, err := cache.Acquire(doubler, Options{}, 3)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		u2, err := cache.Acquire(doubler, Options{}, 4)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		u3, err := cache.Acquire(doubler, Options{Tag: "t"}, 3)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		gomega.Expect(u1).NotTo(gomega.BeIdenticalTo(u2))
		gomega.Expect(u1).NotTo(gomega.BeIdenticalTo(u3))
		gomega.Expect(cache.Len()).To(gomega.Equal(3))
	})

	It("disposes exactly at the last release", func() {
		u, err := cache.Acquire(doubler, Options{}, 3)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		_, err = cache.Acquire(doubler, Options{}, 3)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		gomega.Expect(cache.Release(u)).To(gomega.BeFalse())
		gomega.Expect(u.Disposed()).To(gomega.BeFalse())

		gomega.Expect(cache.Release(u)).To(gomega.BeTrue())
		gomega.Expect(u.Disposed()).To(gomega.BeTrue())
		gomega.Expect(cache.Len()).To(gomega.Equal(0))
	})
})

// intCell is a mutable element for in-place mutation scenarios.
type intCell struct{ v int }

func (c *intCell) String() string { return fmt.Sprintf("cell(%d)", c.v) }

// opaqueDescription is a Description without a computation body.
type opaqueDescription struct{}

func (opaqueDescription) CacheKey() string { return "opaque" }
func (opaqueDescription) String() string   { return "opaque" }
