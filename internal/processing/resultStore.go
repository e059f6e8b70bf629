package processing

import (
	"sync"
)

// The processor writes here on every cycle while the sampler reads on its own
// ticker, so the latest result is kept behind a mutex instead of being pushed
// to the sampler.

type ResultStore struct {
	latest      ConcentrationResult
	populated   bool
	resultMutex sync.Mutex
}

func NewResultStore() *ResultStore {
	return &ResultStore{}
}

func (d *ResultStore) UpdateResultStore(result ConcentrationResult) {
	d.resultMutex.Lock()
	defer d.resultMutex.Unlock()

	d.latest = result
	d.populated = true
}

// GetLatestResult returns the newest result and whether one has been stored yet.
func (d *ResultStore) GetLatestResult() (ConcentrationResult, bool) {
	d.resultMutex.Lock()
	defer d.resultMutex.Unlock()

	return d.latest, d.populated
}
