package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

var durationType = reflect.TypeOf(time.Duration(0))

// AffixedEnvFeeder reads environment variables named PREFIX_<env tag>_SUFFIX.
type AffixedEnvFeeder struct {
	Prefix string
	Suffix string
}

func NewAffixedEnvFeeder(prefix, suffix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix, Suffix: suffix}
}

func (f AffixedEnvFeeder) Feed(structure any) error {
	if !isStructPointer(structure) {
		return ErrInvalidStructure
	}
	if f.Prefix == "" && f.Suffix == "" {
		return ErrEmptyPrefix
	}
	return f.fillStruct(reflect.ValueOf(structure).Elem())
}

func isStructPointer(structure any) bool {
	t := reflect.TypeOf(structure)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct && !reflect.ValueOf(structure).IsNil()
}

func (f AffixedEnvFeeder) fillStruct(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)
		if !fieldType.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct && field.Type() != durationType {
			if err := f.fillStruct(field); err != nil {
				return err
			}
			continue
		}
		tag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		if err := f.setFromEnv(field, tag); err != nil {
			return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
		}
	}
	return nil
}

func (f AffixedEnvFeeder) envName(tag string) string {
	name := strings.ToUpper(tag)
	if f.Prefix != "" {
		name = strings.ToUpper(f.Prefix) + "_" + name
	}
	if f.Suffix != "" {
		name = name + "_" + strings.ToUpper(f.Suffix)
	}
	return name
}

func (f AffixedEnvFeeder) setFromEnv(field reflect.Value, tag string) error {
	value, ok := os.LookupEnv(f.envName(tag))
	if !ok || value == "" {
		return nil
	}
	converted, err := convert(value, field.Type())
	if err != nil {
		return err
	}
	field.Set(converted)
	return nil
}

// convert turns a string into t. Durations use time.ParseDuration, slices
// split on commas, maps read comma-separated key=value pairs and everything
// else goes through cast.
func convert(value string, t reflect.Type) (reflect.Value, error) {
	switch {
	case t == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("%w %v: %w", ErrCannotConvert, t, err)
		}
		return reflect.ValueOf(d), nil
	case t.Kind() == reflect.Slice:
		out := reflect.MakeSlice(t, 0, 0)
		for _, part := range strings.Split(value, ",") {
			elem, err := convert(strings.TrimSpace(part), t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out = reflect.Append(out, elem)
		}
		return out, nil
	case t.Kind() == reflect.Map && t.Key().Kind() == reflect.String:
		out := reflect.MakeMap(t)
		for _, pair := range strings.Split(value, ",") {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return reflect.Value{}, fmt.Errorf("%w %v: %q is not key=value", ErrCannotConvert, t, pair)
			}
			elem, err := convert(strings.TrimSpace(v), t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)).Convert(t.Key()), elem)
		}
		return out, nil
	}
	converted, err := cast.FromType(value, t)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w %v: %w", ErrCannotConvert, t, err)
	}
	rv := reflect.ValueOf(converted)
	if rv.Type() != t {
		if !rv.CanConvert(t) {
			return reflect.Value{}, fmt.Errorf("%w %v", ErrCannotConvert, t)
		}
		rv = rv.Convert(t)
	}
	return rv, nil
}
