// Package id generates identifiers for recorded events.
package id

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator generates unique IDs.
type IDGenerator interface {
	Generate() string
}

// NewIDGenerator returns a generator of increasing decimal IDs, starting at
// 1. The IDs sort in generation order within one run.
func NewIDGenerator() IDGenerator {
	return &sequentialIDGenerator{}
}

// NewXIDGenerator returns a generator of globally unique IDs. It suits
// recordings that merge the events of several runs.
func NewXIDGenerator() IDGenerator {
	return xidGenerator{}
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)
	id := strconv.FormatUint(idNumber, 10)

	return id
}

type xidGenerator struct{}

func (g xidGenerator) Generate() string {
	return xid.New().String()
}
