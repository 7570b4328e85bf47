package config

import (
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// StringToScopes is a DecodeHookFunc that splits a scope string on commas
// and whitespace, so both "openid,profile" and "openid profile" decode to
// []string{"openid", "profile"}.
func StringToScopes() mapstructure.DecodeHookFuncType {
	return func(f, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string(nil)) {
			return data, nil
		}
		return splitScopes(data.(string)), nil
	}
}

func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
