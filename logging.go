package peerwire

import (
	"github.com/davecgh/go-spew/spew"
)

type logging interface {
	Println(v ...any)
	Printf(format string, v ...any)
	Print(v ...any)
}

type discard struct{}

func (discard) Output(int, string) error {
	return nil
}

func (t discard) Println(v ...any) {
}

func (t discard) Printf(format string, v ...any) {
}

func (t discard) Print(v ...any) {
}

func LogDiscard() discard {
	return discard{}
}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
	MaxDepth:                3,
}

// dump renders values for debug logs.
func dump(v ...any) string {
	return dumper.Sdump(v...)
}
