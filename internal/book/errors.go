package book

import (
	"fmt"

	"github.com/helixquant/tickbt/internal/market"
)

func errWrongInstrument(want, got string) error {
	return fmt.Errorf("event for instrument %q applied to book %q", got, want)
}

func errUnknownKind(kind market.Kind) error {
	return fmt.Errorf("unknown event kind %q", kind)
}
