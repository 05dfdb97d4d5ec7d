package entity

import (
	"math/big"
	"time"
)

// Collateral identifies one collateral asset inside a Stability Pool
type Collateral struct {
	Symbol string `json:"symbol"`
	Pool   string `json:"pool"`
	Index  uint8  `json:"index"`
}

type Row struct {
	Symbol string   `json:"symbol"`
	Amount float64  `json:"amount"`        // Raw / 1e18
	Raw    *big.Int `json:"raw,omitempty"` // Base units as returned by the contract
}

// Table always has one row per configured collateral, in collateral order.
type Table []Row

func NewTable(collaterals []Collateral) Table {
	table := make(Table, len(collaterals))
	for i := range collaterals {
		table[i] = Row{Symbol: collaterals[i].Symbol}
	}

	return table
}

func (t Table) Clone() Table {
	if t == nil {
		return nil
	}

	clone := make(Table, len(t))
	for i := range t {
		clone[i] = t[i]
		if t[i].Raw != nil {
			clone[i].Raw = new(big.Int).Set(t[i].Raw)
		}
	}

	return clone
}

// State is what a session shows to its user.
type State struct {
	EOA            string    `json:"eoa"`
	ValidationText string    `json:"validationText"`
	Loading        bool      `json:"loading"`
	Error          string    `json:"error,omitempty"`
	Rows           Table     `json:"rows"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

func (s State) Clone() State {
	s.Rows = s.Rows.Clone()
	return s
}
