package simulation

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Rand is the randomness the simulation draws from. *rand.Rand is not safe
// for concurrent use, so the default implementation is locked.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

func newTimeSeededRand() Rand {
	return NewRand(time.Now().UnixNano())
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// Poisson draws a Poisson distributed count with mean lambda (Knuth).
func Poisson(r Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k := 0
	p := 1.0
	for {
		k++
		p *= r.Float64()
		if p <= limit {
			return k - 1
		}
	}
}

// uniformMinutes draws a whole number of minutes in [min, max].
func uniformMinutes(r Rand, st ServiceType) int {
	span := st.MaxServiceMinutes - st.MinServiceMinutes + 1
	if span <= 1 {
		return st.MinServiceMinutes
	}
	return st.MinServiceMinutes + r.Intn(span)
}
