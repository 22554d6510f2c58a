// Package ladder holds the per-side ladder of open units and the exposure
// computed from it.
package ladder

import (
	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

// Entry is one level's unit. Pending entries carry the requested price and
// volume until the fill report arrives.
type Entry struct {
	OrderID string          `json:"order_id"`
	Level   int             `json:"level"`
	Price   decimal.Decimal `json:"price"`
	Volume  decimal.Decimal `json:"volume"`
	Pending bool            `json:"pending,omitempty"`
}

// State is the ladder of one position side, oldest entry first. A reset
// replaces the whole value with NewState.
type State struct {
	Side           core.PositionSide `json:"side"`
	Entries        []Entry           `json:"entries"`
	LastEntryPrice decimal.Decimal   `json:"last_entry_price"`
}

func NewState(side core.PositionSide) State {
	return State{Side: side, Entries: make([]Entry, 0)}
}

func (s State) LevelIndex() int {
	return len(s.Entries)
}

func (s State) Empty() bool {
	return len(s.Entries) == 0
}

func (s *State) Append(e Entry) {
	s.Entries = append(s.Entries, e)
	s.LastEntryPrice = e.Price
}

func (s State) Find(orderID string) (int, bool) {
	if orderID == "" {
		return -1, false
	}
	for i, e := range s.Entries {
		if e.OrderID == orderID {
			return i, true
		}
	}
	return -1, false
}

// Reconcile replaces a pending entry's requested price and volume with the
// filled ones. A zero volume removes the entry.
func (s *State) Reconcile(orderID string, price, volume decimal.Decimal) (Entry, bool) {
	i, ok := s.Find(orderID)
	if !ok {
		return Entry{}, false
	}
	if volume.Cmp(decimal.Zero) <= 0 {
		e := s.Entries[i]
		s.remove(i)
		return e, true
	}
	s.Entries[i].Price = price
	s.Entries[i].Volume = volume
	s.Entries[i].Pending = false
	s.refreshLast()
	return s.Entries[i], true
}

func (s *State) Drop(orderID string) bool {
	i, ok := s.Find(orderID)
	if !ok {
		return false
	}
	s.remove(i)
	return true
}

func (s *State) remove(i int) {
	s.Entries = append(s.Entries[:i:i], s.Entries[i+1:]...)
	for j := range s.Entries {
		s.Entries[j].Level = j + 1
	}
	s.refreshLast()
}

func (s *State) refreshLast() {
	if len(s.Entries) == 0 {
		s.LastEntryPrice = decimal.Zero
		return
	}
	s.LastEntryPrice = s.Entries[len(s.Entries)-1].Price
}

func (s State) Pending() []Entry {
	out := make([]Entry, 0)
	for _, e := range s.Entries {
		if e.Pending {
			out = append(out, e)
		}
	}
	return out
}

func (s State) Volume() decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.Entries {
		total = total.Add(e.Volume)
	}
	return total
}

// AvgEntryPrice is the volume-weighted mean entry, recomputed on every call.
func (s State) AvgEntryPrice() decimal.Decimal {
	return Aggregate(decimal.Zero, s).AvgEntryPrice
}

func (s State) Clone() State {
	out := s
	out.Entries = append(make([]Entry, 0, len(s.Entries)), s.Entries...)
	return out
}

// Rebuild replays logged fills that opened units on side.
func Rebuild(side core.PositionSide, fills []core.FillReport) State {
	st := NewState(side)
	for _, f := range fills {
		if f.Side != side.OpenSide() || f.FilledVolume.Cmp(decimal.Zero) <= 0 {
			continue
		}
		st.Append(Entry{
			OrderID: f.OrderID,
			Level:   st.LevelIndex() + 1,
			Price:   f.FilledPrice,
			Volume:  f.FilledVolume,
		})
	}
	return st
}
