package transport

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits the transmission rates of an underlying channel and records the
// bytes that went through it. rx is inbound, tx is outbound, from the local
// side's perspective.
type Valve interface {
	rxWait(int)
	txWait(int)
	AddRx(n int64)
	AddTx(n int64)
	GetRx() int64
	GetTx() int64
	Nullify() (int64, int64)
}

type LimitedValve struct {
	rxtb *ratelimit.Bucket
	txtb *ratelimit.Bucket

	rx *int64
	tx *int64
}

func makeBucket(rate int64) *ratelimit.Bucket {
	if rate <= 0 {
		return nil
	}
	return ratelimit.NewBucketWithRate(float64(rate), rate)
}

// MakeValve returns a Valve with the given rates in bytes per second. A rate
// of 0 or less leaves that direction unlimited but still counted.
func MakeValve(rxRate, txRate int64) *LimitedValve {
	var rx, tx int64
	v := &LimitedValve{
		rxtb: makeBucket(rxRate),
		txtb: makeBucket(txRate),
		rx:   &rx,
		tx:   &tx,
	}
	return v
}

func (v *LimitedValve) rxWait(n int) {
	if v.rxtb != nil {
		v.rxtb.Wait(int64(n))
	}
}

func (v *LimitedValve) txWait(n int) {
	if v.txtb != nil {
		v.txtb.Wait(int64(n))
	}
}

func (v *LimitedValve) AddRx(n int64) { atomic.AddInt64(v.rx, n) }
func (v *LimitedValve) AddTx(n int64) { atomic.AddInt64(v.tx, n) }
func (v *LimitedValve) GetRx() int64  { return atomic.LoadInt64(v.rx) }
func (v *LimitedValve) GetTx() int64  { return atomic.LoadInt64(v.tx) }
func (v *LimitedValve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}

// UnlimitedValve is a Valve with no rate limit
type UnlimitedValve struct{}

var UNLIMITED_VALVE = &UnlimitedValve{}

func (v *UnlimitedValve) rxWait(n int)            {}
func (v *UnlimitedValve) txWait(n int)            {}
func (v *UnlimitedValve) AddRx(n int64)           {}
func (v *UnlimitedValve) AddTx(n int64)           {}
func (v *UnlimitedValve) GetRx() int64            { return 0 }
func (v *UnlimitedValve) GetTx() int64            { return 0 }
func (v *UnlimitedValve) Nullify() (int64, int64) { return 0, 0 }
