package types

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: normalization of a valid address is idempotent and case-insensitive
func TestNormalizeAddressProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	hexAddr := gen.RegexMatch("^0x[0-9a-fA-F]{40}$")

	properties.Property("normalize is idempotent", prop.ForAll(
		func(addr string) bool {
			once, err := NormalizeAddress(addr)
			if err != nil {
				return false
			}
			twice, err := NormalizeAddress(once)
			return err == nil && once == twice
		},
		hexAddr,
	))

	properties.Property("normalize ignores case", prop.ForAll(
		func(addr string) bool {
			a, errA := NormalizeAddress(strings.ToUpper(addr[2:]))
			b, errB := NormalizeAddress(strings.ToLower(addr))
			return errA == nil && errB == nil && a == b
		},
		hexAddr,
	))

	properties.TestingRun(t)
}
