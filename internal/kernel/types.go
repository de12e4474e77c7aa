// Package kernel holds the value types and runtime primitives shared by the
// upgrade pipeline: module codes, principals, Neo script-hash addresses, the
// ledger clock, the authority object and the single-writer executor.
package kernel

import (
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"

	core "github.com/R3E-Network/kernel_layer/system/framework/core"
)

// ModuleCodeLength is the fixed width of a module code.
const ModuleCodeLength = 5

// ModuleCode names a pluggable unit of the kernel, e.g. "TRSRY".
type ModuleCode string

// ParseModuleCode upper-cases raw and validates it.
func ParseModuleCode(raw string) (ModuleCode, error) {
	code := ModuleCode(strings.ToUpper(strings.TrimSpace(raw)))
	if err := code.Validate(); err != nil {
		return "", err
	}
	return code, nil
}

// Validate checks the code is exactly ModuleCodeLength upper-case ASCII letters.
func (c ModuleCode) Validate() error {
	if len(c) != ModuleCodeLength {
		return core.Invalid("kernel", "module_code", string(c), core.CodeInvalidModuleCode,
			"must be exactly 5 upper-case letters")
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return core.Invalid("kernel", "module_code", string(c), core.CodeInvalidModuleCode,
				"must be exactly 5 upper-case letters")
		}
	}
	return nil
}

func (c ModuleCode) String() string { return string(c) }

// Principal is an authenticated caller identity. Authentication happens
// before a request reaches the pipeline.
type Principal string

// ParsePrincipal trims raw and rejects empty identities.
func ParsePrincipal(raw string) (Principal, error) {
	p := Principal(strings.TrimSpace(raw))
	if p == "" {
		return "", core.Invalid("kernel", "principal", raw, core.CodeInvalidPrincipal, "is required")
	}
	return p, nil
}

func (p Principal) String() string { return string(p) }

// IsZero reports whether p is the empty principal.
func (p Principal) IsZero() bool { return p == "" }

// ParseAddress accepts a Neo N3 address ("N...") or a little-endian script
// hash in hex, with or without a 0x prefix.
func ParseAddress(raw string) (util.Uint160, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return util.Uint160{}, core.Invalid("kernel", "address", raw, core.CodeInvalidAddress, "is required")
	}
	if strings.HasPrefix(s, "N") {
		u, err := address.StringToUint160(s)
		if err != nil {
			return util.Uint160{}, core.Invalid("kernel", "address", raw, core.CodeInvalidAddress, err.Error())
		}
		return u, nil
	}
	u, err := util.Uint160DecodeStringLE(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return util.Uint160{}, core.Invalid("kernel", "address", raw, core.CodeInvalidAddress, err.Error())
	}
	return u, nil
}

// FormatAddress renders a script hash the way ParseAddress accepts it back.
func FormatAddress(u util.Uint160) string {
	return "0x" + u.StringLE()
}

// IsZeroAddress reports whether u is the all-zero script hash.
func IsZeroAddress(u util.Uint160) bool {
	return u.Equals(util.Uint160{})
}

// RequireAddress rejects the zero script hash on behalf of component.
func RequireAddress(component, field string, u util.Uint160) error {
	if IsZeroAddress(u) {
		return core.Invalid(component, field, FormatAddress(u), core.CodeInvalidAddress, "must not be the zero address")
	}
	return nil
}
