package utils

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ToZeroLogArray logs a slice of Stringers as a zerolog array of strings.
func ToZeroLogArray[T fmt.Stringer](arr []T) *zerolog.Array {
	ret := zerolog.Arr()

	for _, elem := range arr {
		ret = ret.Str(elem.String())
	}

	return ret
}
