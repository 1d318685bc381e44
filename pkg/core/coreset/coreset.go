// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package coreset parses core-selection expressions, like "0,4-6,9" or "all", and resolves them
// against the number of enumerated devices.
//
// Grammar: comma-separated tokens, each a non-negative integer or an inclusive ascending range "lo-hi".
// If the literal "all" appears anywhere in the expression, every enumerated device is selected and
// the other tokens are ignored. An empty expression selects core 0.
package coreset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/eclrun/pkg/support/sets"
	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
)

// MaxCores bounds the core indices accepted by Parse, so a huge range can't exhaust memory
// before it is checked against the actual number of devices.
const MaxCores = 1 << 16

// AllKeyword selects every enumerated device.
const AllKeyword = "all"

// ErrParse is returned (wrapped) for malformed core-selection expressions.
var ErrParse = errors.New("parse error")

// Spec is either All or an explicit, ordered set of unique core indices.
// Its zero value is the default explicit spec {0}.
type Spec struct {
	all   bool
	cores []int
}

// All returns the Spec that selects every enumerated device.
func All() Spec {
	return Spec{all: true}
}

// Explicit returns a Spec with the given cores, deduplicated and sorted.
// No cores means the default {0}.
func Explicit(cores ...int) Spec {
	set := sets.MakeWith(cores...)
	return Spec{cores: sets.Sorted(set)}
}

// Default is the Spec used when no expression is given: {0}.
func Default() Spec {
	return Explicit(0)
}

// IsAll returns whether the spec selects every device.
func (s Spec) IsAll() bool {
	return s.all
}

// Cores returns the explicit cores in ascending order, or nil for All.
// An empty explicit spec returns the default {0}.
func (s Spec) Cores() []int {
	if s.all {
		return nil
	}
	if len(s.cores) == 0 {
		return []int{0}
	}
	return append([]int(nil), s.cores...)
}

// String implements fmt.Stringer, in the same grammar accepted by Parse.
func (s Spec) String() string {
	if s.all {
		return AllKeyword
	}
	cores := s.Cores()
	var parts []string
	for ii := 0; ii < len(cores); {
		jj := ii
		for jj+1 < len(cores) && cores[jj+1] == cores[jj]+1 {
			jj++
		}
		if jj == ii {
			parts = append(parts, strconv.Itoa(cores[ii]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", cores[ii], cores[jj]))
		}
		ii = jj + 1
	}
	return strings.Join(parts, ",")
}

// Parse a core-selection expression.
//
// Any malformed token (non-numeric, negative, empty, reversed range or larger than MaxCores) fails the
// whole expression with ErrParse: no partial set is ever returned.
func Parse(expr string) (Spec, error) {
	if strings.Contains(expr, AllKeyword) {
		return All(), nil
	}
	if strings.TrimSpace(expr) == "" {
		return Default(), nil
	}
	set := sets.Make[int]()
	for _, token := range strings.Split(expr, ",") {
		if err := parseToken(set, strings.TrimSpace(token)); err != nil {
			return Spec{}, errors.WithMessagef(err, "failed to parse cores %q", expr)
		}
	}
	return Spec{cores: sets.Sorted(set)}, nil
}

func parseToken(set sets.Set[int], token string) error {
	lo, hi, isRange := strings.Cut(token, "-")
	first, err := parseIndex(lo)
	if err != nil {
		return err
	}
	if !isRange {
		set.Insert(first)
		return nil
	}
	last, err := parseIndex(hi)
	if err != nil {
		return err
	}
	if last < first {
		return errors.Wrapf(ErrParse, "reversed core range %q", token)
	}
	sets.InsertRange(set, first, last)
	return nil
}

func parseIndex(str string) (int, error) {
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, errors.Wrap(ErrParse, "missing core index")
	}
	for _, r := range str {
		if r < '0' || r > '9' {
			return 0, errors.Wrapf(ErrParse, "invalid core index %q", str)
		}
	}
	index, err := strconv.Atoi(str)
	if err != nil || index >= MaxCores {
		return 0, errors.Wrapf(ErrParse, "core index %q out of bounds (max %d)", str, MaxCores-1)
	}
	return index, nil
}

// Resolve the spec against the number of enumerated devices, and returns the selected cores in ascending order.
//
// All selects 0..deviceCount-1. If that is empty, it falls back to the default {0}.
// Any index >= deviceCount fails with runtime.ErrDeviceEnumeration.
func (s Spec) Resolve(deviceCount int) ([]int, error) {
	var cores []int
	if s.all {
		for ii := range deviceCount {
			cores = append(cores, ii)
		}
	} else {
		cores = s.Cores()
	}
	if len(cores) == 0 {
		cores = []int{0}
	}
	if last := cores[len(cores)-1]; last >= deviceCount {
		return nil, errors.Wrapf(runtime.ErrDeviceEnumeration, "specified wrong core: %d (%d devices available)",
			last, deviceCount)
	}
	return cores, nil
}

// Resolve parses expr and resolves it against deviceCount. See Parse and Spec.Resolve.
func Resolve(expr string, deviceCount int) ([]int, error) {
	spec, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return spec.Resolve(deviceCount)
}

// Set implements flag.Value, so a Spec can be used directly as a command-line flag.
func (s *Spec) Set(expr string) error {
	spec, err := Parse(expr)
	if err != nil {
		return err
	}
	*s = spec
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler (used by YAML configuration).
func (s *Spec) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (s Spec) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
