package message

import "fmt"

// Direction tells whether a transfer left or entered the node.
type Direction int

const (
	DirectionTx Direction = iota
	DirectionRx
)

func (d Direction) String() string {
	switch d {
	case DirectionTx:
		return "tx"
	case DirectionRx:
		return "rx"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}
