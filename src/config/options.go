package config

import (
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// ParseOptions decodes a connector options map into a typed config struct,
// applying struct defaults first and validating the result. Duration fields
// accept Go duration strings.
func ParseOptions[T any](opts map[string]any) (res *T, err error) {
	res = new(T)
	if err = defaults.Set(res); err != nil {
		return
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Result: res,
	})
	if err != nil {
		return
	}
	if err = dec.Decode(opts); err != nil {
		return
	}

	validate := validator.New()
	if err = validate.Struct(res); err != nil {
		return
	}

	return
}
