package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RateDecimals is the fixed-point precision of every stored rate.
const RateDecimals = 6

type Rate struct {
	Currency   string         `db:"currency"`
	Source     common.Address `db:"source"`
	Value      *big.Int       `db:"value"`
	Timestamp  time.Time      `db:"updated_at"`
	Confidence uint8          `db:"confidence"`
}

func (r Rate) Clone() Rate {
	c := r
	c.Value = cloneInt(r.Value)
	return c
}
