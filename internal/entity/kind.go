package entity

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/schema"
)

// Kind is the tagged variant replacing the original implementation's
// subclass-per-attribute-type dispatch. Kind is data: a single
// Attribute type switches on it rather than being one of nine Go
// types.
type Kind string

const (
	KindAny       Kind = "Any"
	KindString    Kind = "String"
	KindPassword  Kind = "Password" // schemas spell this kind "Password"; Serialize hashes it
	KindInteger   Kind = "Integer"
	KindBoolean   Kind = "Boolean"
	KindIPNetwork Kind = "IPNetwork"
	KindIPHost    Kind = "IPHost"
	KindList      Kind = "List"
	KindJSON      Kind = "JSON"
)

// ValidateFormat enforces the kind-specific and schema-specific format
// constraints from §4.1: non-optional presence, regex, enum
// membership, min/max length, and kind parseability. value is the
// caller-supplied in-memory representation (a Go string, int64, bool,
// []interface{}, map[string]interface{}, or nil).
func ValidateFormat(kind Kind, value interface{}, as schema.AttributeSchema) error {
	if value == nil {
		if as.Optional {
			return nil
		}
		return errors.ValidationErrorf("attribute %q is required", as.Name)
	}

	switch kind {
	case KindAny:
		return nil
	case KindString, KindPassword:
		s, ok := value.(string)
		if !ok {
			return errors.ValidationErrorf("attribute %q: expected string, got %T", as.Name, value)
		}
		return validateStringFormat(as, s)
	case KindInteger:
		switch value.(type) {
		case int, int32, int64:
			return nil
		default:
			return errors.ValidationErrorf("attribute %q: expected integer, got %T", as.Name, value)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return errors.ValidationErrorf("attribute %q: expected boolean, got %T", as.Name, value)
		}
		return nil
	case KindIPNetwork:
		s, ok := value.(string)
		if !ok {
			return errors.ValidationErrorf("attribute %q: expected string, got %T", as.Name, value)
		}
		if _, err := netip.ParsePrefix(s); err != nil {
			return errors.ValidationErrorf("attribute %q: invalid IP network %q: %v", as.Name, s, err)
		}
		return nil
	case KindIPHost:
		s, ok := value.(string)
		if !ok {
			return errors.ValidationErrorf("attribute %q: expected string, got %T", as.Name, value)
		}
		if _, err := netip.ParsePrefix(s); err != nil {
			if _, addrErr := netip.ParseAddr(s); addrErr != nil {
				return errors.ValidationErrorf("attribute %q: invalid IP host %q: %v", as.Name, s, err)
			}
		}
		return nil
	case KindList:
		if _, ok := value.([]interface{}); !ok {
			return errors.ValidationErrorf("attribute %q: expected list, got %T", as.Name, value)
		}
		return nil
	case KindJSON:
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			return nil
		default:
			return errors.ValidationErrorf("attribute %q: expected object or list, got %T", as.Name, value)
		}
	default:
		return errors.ValidationErrorf("attribute %q: unknown kind %q", as.Name, kind)
	}
}

func validateStringFormat(as schema.AttributeSchema, s string) error {
	if as.MinLength != nil && len(s) < *as.MinLength {
		return errors.ValidationErrorf("attribute %q: shorter than minimum length %d", as.Name, *as.MinLength)
	}
	if as.MaxLength != nil && len(s) > *as.MaxLength {
		return errors.ValidationErrorf("attribute %q: longer than maximum length %d", as.Name, *as.MaxLength)
	}
	if as.Regex != "" {
		re, err := regexp.Compile(as.Regex)
		if err != nil {
			return errors.ValidationErrorf("attribute %q: invalid schema regex %q: %v", as.Name, as.Regex, err)
		}
		if !re.MatchString(s) {
			return errors.ValidationErrorf("attribute %q: value does not match pattern %q", as.Name, as.Regex)
		}
	}
	if len(as.Enum) > 0 {
		found := false
		for _, e := range as.Enum {
			if e == s {
				found = true
				break
			}
		}
		if !found {
			return errors.ValidationErrorf("attribute %q: value %q not in enum %v", as.Name, s, as.Enum)
		}
	}
	return nil
}

// bcryptCost trades hashing latency for resistance to offline
// brute-force; 10 matches the adaptive-function default most drivers
// ship with.
const bcryptCost = 10

// Serialize converts an in-memory value to the string stored on the
// AttributeValue vertex. Password attributes hash via bcrypt and never
// store the plaintext; IP kinds canonicalize with prefix length;
// List/JSON round-trip through stable JSON encoding (Go's map
// iteration order in encoding/json is always sorted by key, so no
// third-party JSON library is needed for a stable encoding).
func Serialize(kind Kind, value interface{}) (string, error) {
	if value == nil {
		return "", nil
	}
	switch kind {
	case KindPassword:
		s, ok := value.(string)
		if !ok {
			return "", errors.ValidationErrorf("password attribute: expected string, got %T", value)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(s), bcryptCost)
		if err != nil {
			return "", errors.BackendErrorf(err, "failed to hash password")
		}
		return string(hashed), nil
	case KindIPNetwork:
		s := value.(string)
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return "", errors.ValidationErrorf("invalid IP network %q: %v", s, err)
		}
		return p.String(), nil
	case KindIPHost:
		s := value.(string)
		if p, err := netip.ParsePrefix(s); err == nil {
			return p.String(), nil
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return "", errors.ValidationErrorf("invalid IP host %q: %v", s, err)
		}
		bits := 32
		if addr.Is6() {
			bits = 128
		}
		return netip.PrefixFrom(addr, bits).String(), nil
	case KindList, KindJSON:
		b, err := json.Marshal(value)
		if err != nil {
			return "", errors.ValidationErrorf("failed to serialize %s value: %v", kind, err)
		}
		return string(b), nil
	case KindInteger:
		switch v := value.(type) {
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		case int32:
			return strconv.FormatInt(int64(v), 10), nil
		}
		return "", errors.ValidationErrorf("expected integer, got %T", value)
	case KindBoolean:
		return strconv.FormatBool(value.(bool)), nil
	case KindString, KindAny:
		return fmt.Sprintf("%v", value), nil
	default:
		return "", errors.ValidationErrorf("unknown kind %q", kind)
	}
}

// Deserialize converts a stored string back to an in-memory value.
// Password attributes are a no-op: the hash is the stored value and
// there is nothing to recover.
func Deserialize(kind Kind, raw string) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	switch kind {
	case KindPassword:
		return raw, nil
	case KindIPNetwork, KindIPHost, KindString, KindAny:
		return raw, nil
	case KindInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.ValidationErrorf("stored integer %q is malformed: %v", raw, err)
		}
		return v, nil
	case KindBoolean:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.ValidationErrorf("stored boolean %q is malformed: %v", raw, err)
		}
		return v, nil
	case KindList:
		var v []interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, errors.ValidationErrorf("stored list is malformed: %v", err)
		}
		return v, nil
	case KindJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, errors.ValidationErrorf("stored JSON is malformed: %v", err)
		}
		return v, nil
	default:
		return nil, errors.ValidationErrorf("unknown kind %q", kind)
	}
}
