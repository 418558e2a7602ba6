package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type LPInfo struct {
	Address         common.Address `db:"lp_address"`
	IsRegistered    bool           `db:"is_registered"`
	IsActive        bool           `db:"is_active"`
	StakedAmount    *big.Int       `db:"staked_amount"`
	LastStakeChange time.Time      `db:"last_stake_change"`
}

func (i LPInfo) Clone() LPInfo {
	c := i
	c.StakedAmount = cloneInt(i.StakedAmount)
	return c
}
