package orders

import (
	"testing"

	"github.com/loopworks/replen/core/pkg/card"
)

func TestReference(t *testing.T) {
	cases := []struct {
		loopType card.LoopType
		number   int64
		want     string
	}{
		{card.LoopProcurement, 7, "PO-000007"},
		{card.LoopProduction, 42, "WO-000042"},
		{card.LoopTransfer, 123456, "TO-123456"},
	}
	for _, tc := range cases {
		o := Order{Type: tc.loopType, Number: tc.number}
		if got := o.Reference(); got != tc.want {
			t.Errorf("Reference(%s, %d) = %s, want %s", tc.loopType, tc.number, got, tc.want)
		}
	}
}
