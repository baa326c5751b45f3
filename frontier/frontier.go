// Package frontier implements antichains of a totally ordered, lattice
// joinable timestamp type, and the join/meet operations used to advance
// a collection's write frontier and to combine per-replica frontiers
// into a single published instance-level frontier.
//
// A Frontier is the boundary between times known to be closed off and
// times that may still see updates. In the common case a Frontier holds
// a single timestamp; the type nonetheless supports multi-element
// antichains for forward compatibility with non-totally-ordered T.
package frontier

// Timestamp is a totally ordered, lattice-joinable value with a
// fixed-width encoding. T must be its own Timestamp implementation
// (see frontier.Mztime for the canonical example).
type Timestamp[T any] interface {
	// Less reports whether the receiver strictly precedes other.
	Less(other T) bool
	// Equal reports whether the receiver equals other.
	Equal(other T) bool
	// Join returns the least upper bound of the receiver and other. For
	// a totally ordered T this is simply the larger of the two.
	Join(other T) T
	// Encode returns the fixed-width big-endian encoding of the value.
	Encode() [8]byte
}

// Frontier is a minimal antichain of T: no element dominates another.
// A nil or empty Frontier represents the frontier of a closed
// collection (spec.md: "once upper equals the empty antichain the
// collection is closed").
type Frontier[T Timestamp[T]] []T

// Single returns the singleton Frontier{t}, the common case.
func Single[T Timestamp[T]](t T) Frontier[T] { return Frontier[T]{t} }

// IsEmpty reports whether the Frontier is the empty antichain (closed).
func (f Frontier[T]) IsEmpty() bool { return len(f) == 0 }

// LessEqual reports whether t is at or beyond the Frontier, i.e.
// whether some element of f is less than or equal to t. This answers
// "is t readable/writable given this since/upper".
func (f Frontier[T]) LessEqual(t T) bool {
	for _, e := range f {
		if e.Less(t) || e.Equal(t) {
			return true
		}
	}
	return false
}

// Equal reports whether two frontiers contain the same elements,
// order-independent.
func (f Frontier[T]) Equal(g Frontier[T]) bool {
	if len(f) != len(g) {
		return false
	}
outer:
	for _, a := range f {
		for _, b := range g {
			if a.Equal(b) {
				continue outer
			}
		}
		return false
	}
	return true
}

// Clone returns an independent copy of f.
func (f Frontier[T]) Clone() Frontier[T] {
	var out = make(Frontier[T], len(f))
	copy(out, f)
	return out
}

// Meet returns the greatest lower bound of a and b: the most
// conservative (least advanced) frontier that is behind-or-equal to
// both. Used to combine per-replica write frontiers into a single
// instance-level frontier (spec.md §4.3: "a time is durable only when
// every replica has passed it").
func Meet[T Timestamp[T]](a, b Frontier[T]) Frontier[T] {
	var all = make([]T, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return minimize(all)
}

// Join returns the least upper bound of a and b: the pointwise lattice
// join of every pair of elements across the two antichains, minimized.
// Used to advance a since frontier monotonically (spec.md §4.2:
// "update the recorded since to the join of the current since and
// frontier").
func Join[T Timestamp[T]](a, b Frontier[T]) Frontier[T] {
	if len(a) == 0 {
		return b.Clone()
	}
	if len(b) == 0 {
		return a.Clone()
	}
	var all = make([]T, 0, len(a)*len(b))
	for _, x := range a {
		for _, y := range b {
			all = append(all, x.Join(y))
		}
	}
	return minimize(all)
}

// minimize returns the antichain of minimal elements of ts: an element
// is dropped if some other element is less-than-or-equal to it.
func minimize[T Timestamp[T]](ts []T) Frontier[T] {
	var out Frontier[T]
	for i, t := range ts {
		var dominated bool
		for j, u := range ts {
			if i == j {
				continue
			}
			if (u.Less(t) || u.Equal(t)) && !(t.Less(u) || t.Equal(u)) {
				dominated = true
				break
			}
			// Break ties deterministically: if equal, keep the
			// lower-indexed element only.
			if u.Equal(t) && j < i {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, t)
		}
	}
	return out
}
