package conf

/*
   This is a package that wraps viper for the DPC worker and queue. Values are
   read from a local.env file when one is found, and from the process
   environment otherwise.

   Assumptions:
   1. The configuration file is an env file
   2. The configuration file, once it is made available to the application,
   will stay immutable during the uptime of the application (exception is test)
*/

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// An instance of the viper struct containing the conf information. Only made
// accessible through public functions GetEnv, SetEnv, etc.
var (
	envVars *viper.Viper
	mu      sync.RWMutex
)

const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, do the read and parse of the config file
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}

	return v
}

func init() {
	var locations = []string{
		os.Getenv("DPC_CONF_DIR"),
		"/go/src/github.com/CMSgov/dpc-app/shared_files/decrypted",
	}

	if success, loc := findEnv(locations); success {
		envVars = setup(loc)
	} else {
		envVars = viper.New()
		state = noconfigfound
	}
}

// findEnv walks the candidate locations in order and returns the first one
// containing a local.env file.
func findEnv(location []string) (bool, string) {
	if len(location) == 0 {
		return false, ""
	}

	if location[0] != "" {
		if _, err := os.Stat(location[0] + "/local.env"); err == nil {
			return true, location[0]
		}
	}

	return findEnv(location[1:])
}

// GetEnv retrieves the value stored in conf, falling back to the environment.
// If it does not exist "" is returned.
func GetEnv(key string) string {
	value, _ := LookupEnv(key)
	return value
}

// LookupEnv augments os.LookupEnv to look in the viper struct first
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		mu.RLock()
		value := envVars.GetString(key)
		set := envVars.IsSet(key)
		mu.RUnlock()
		if set && value != "" {
			return value, true
		}
	}

	return os.LookupEnv(key)
}

// SetEnv adds key values into conf. The protect parameter is there to ensure
// developers knowingly use it in a test scope.
func SetEnv(protect *testing.T, key string, value string) error {
	if state == configgood {
		mu.Lock()
		envVars.Set(key, value)
		mu.Unlock()
	}

	return os.Setenv(key, value)
}

// UnsetEnv "unsets" a variable. Like SetEnv, this should only be used in tests.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		mu.Lock()
		envVars.Set(key, "")
		mu.Unlock()
	}

	return os.Unsetenv(key)
}

// Checkout fills the exported fields of the struct pointed to by v. The key used
// for each field is its `conf` tag, or the field name when no tag is present.
// A tag of "-" skips the field and `conf_default` supplies a value when the
// key is not set. Embedded structs are traversed.
func Checkout(v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("conf: Checkout requires a pointer to a struct, got %T", v)
	}

	values := make(map[string]interface{})
	collect(rv.Elem().Type(), values)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Squash:           true,
		TagName:          "conf",
		Result:           v,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(values)
}

func collect(t reflect.Type, values map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collect(field.Type, values)
			continue
		}
		if field.PkgPath != "" {
			continue
		}

		key, ok := field.Tag.Lookup("conf")
		if key == "-" {
			continue
		}
		if !ok || key == "" {
			key = field.Name
		}

		if value, found := LookupEnv(key); found && value != "" {
			values[key] = value
		} else if def, ok := field.Tag.Lookup("conf_default"); ok {
			values[key] = def
		}
	}
}
