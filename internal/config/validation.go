package config

import (
	"fmt"
	"math/bits"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
	if err := validate.RegisterValidation("pow2", isPowerOfTwo); err != nil {
		panic(err)
	}
}

func isPowerOfTwo(fl validator.FieldLevel) bool {
	f := fl.Field()
	switch f.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return bits.OnesCount64(f.Uint()) == 1
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return f.Int() > 0 && bits.OnesCount64(uint64(f.Int())) == 1
	default:
		return false
	}
}

// Validate validates the options using struct tags and custom rules.
func Validate(opts *Options) error {
	if err := validate.Struct(opts); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(opts)
}

// validateCustomRules performs checks that span several fields.
func validateCustomRules(opts *Options) error {
	if opts.BlockSize < opts.ClusterSize && opts.ClusterSize%opts.BlockSize != 0 {
		return fmt.Errorf("block_size %d must divide cluster_size %d", opts.BlockSize, opts.ClusterSize)
	}
	if opts.BlockSize > opts.ClusterSize && opts.BlockSize%opts.ClusterSize != 0 {
		return fmt.Errorf("block_size %d must be a multiple of cluster_size %d", opts.BlockSize, opts.ClusterSize)
	}
	if uint32(opts.RecordSize) < opts.SectorSize || uint32(opts.RecordSize)%opts.SectorSize != 0 {
		return fmt.Errorf("record_size %d must be a multiple of sector_size %d", opts.RecordSize, opts.SectorSize)
	}
	if opts.DirectIOMaxTransfer != 0 && opts.DirectIOMaxTransfer%opts.BlockSize != 0 {
		return fmt.Errorf("direct_io_max_transfer %d must be a multiple of block_size %d", opts.DirectIOMaxTransfer, opts.BlockSize)
	}
	if opts.Device.Backend == "badger" && opts.Device.Size == 0 {
		return fmt.Errorf("device.size is required for the badger backend")
	}
	return nil
}

// formatValidationError converts validator errors into readable messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
