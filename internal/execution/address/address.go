// Package address derives content-addressed shard identifiers.
package address

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/zeebo/blake3"

	"github.com/animus-labs/hypershard/internal/domain"
)

// ErrInexactInteger reports an integer that canonical JSON, which encodes
// every number as an IEEE double, would round to a different value.
var ErrInexactInteger = errors.New("integer is not exactly representable as float64")

// Canonicalize returns the RFC 8785 canonical JSON encoding of v: sorted
// keys, normalized numbers, no insignificant whitespace. Values JSON cannot
// represent (NaN, channels, functions) are rejected, and so are integers
// the double encoding would round, such as 2^53+1.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Marshal rejects cyclic values, so the walk terminates.
	if err := checkIntegers(reflect.ValueOf(v), "$"); err != nil {
		return nil, err
	}
	canonical, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// Normalize canonicalizes an input partition and decodes it back into plain
// JSON values, so the stored form of a shard's inputs matches what was hashed.
func Normalize(inputs map[string]any) (map[string]any, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	canonical, err := Canonicalize(inputs)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Address computes the cas_id of a unit of work. It depends only on the stage
// id, the executor name, the canonical inputs and the dependency set.
func Address(stageID, executor string, inputs map[string]any, dependencies []string) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	envelope := map[string]any{
		"stage_id":     stageID,
		"executor":     executor,
		"inputs":       inputs,
		"dependencies": dependencySet(dependencies),
	}
	canonical, err := Canonicalize(envelope)
	if err != nil {
		return "", &domain.CanonicalizationError{StageID: stageID, Cause: err}
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DigestOutput hashes the canonical form of an executor output.
func DigestOutput(output any) (string, error) {
	canonical, err := Canonicalize(output)
	if err != nil {
		return "", fmt.Errorf("canonicalize output: %w", err)
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func dependencySet(deps []string) []string {
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

var (
	jsonNumberType = reflect.TypeFor[json.Number]()
	marshalerType  = reflect.TypeFor[json.Marshaler]()
)

func checkIntegers(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	if v.Type() == jsonNumberType {
		return checkNumber(json.Number(v.String()), path)
	}
	if v.Type().Implements(marshalerType) {
		return nil
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n := v.Int(); !exactInt(n) {
			return fmt.Errorf("%s: %d: %w", path, n, ErrInexactInteger)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if n := v.Uint(); !exactUint(n) {
			return fmt.Errorf("%s: %d: %w", path, n, ErrInexactInteger)
		}
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkIntegers(v.Elem(), path)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkIntegers(iter.Value(), fmt.Sprintf("%s.%v", path, iter.Key())); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			// []byte encodes as base64.
			return nil
		}
		for i := range v.Len() {
			if err := checkIntegers(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("json") == "-" {
				continue
			}
			if err := checkIntegers(v.Field(i), path+"."+f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

const maxSafeInteger = 1 << 53

func exactInt(n int64) bool {
	if n <= maxSafeInteger && n >= -maxSafeInteger {
		return true
	}
	f := float64(n)
	return f < math.MaxInt64 && int64(f) == n
}

func exactUint(n uint64) bool {
	if n <= maxSafeInteger {
		return true
	}
	f := float64(n)
	return f < math.MaxUint64 && uint64(f) == n
}

// checkNumber rejects integer literals whose double value differs from the
// literal. Literals with a fraction or exponent are already doubles.
func checkNumber(n json.Number, path string) error {
	lit := strings.TrimPrefix(n.String(), "-")
	if strings.ContainsAny(lit, ".eE") {
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || strconv.FormatFloat(f, 'f', -1, 64) != lit {
		return fmt.Errorf("%s: %s: %w", path, n.String(), ErrInexactInteger)
	}
	return nil
}
