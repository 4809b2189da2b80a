package netsync

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Id names one transport connection in log tags.
// Ids sort by creation time.
type Id ulid.ULID

func NewId() Id {
	return Id(ulid.Make())
}

// String is the uuid form, which is easier to scan in logs than base32.
func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
