package wallet

import "time"

// Balance captures a party's spendable funds in minor units.
type Balance struct {
	PartyID   string
	Amount    int64
	UpdatedAt time.Time
}
