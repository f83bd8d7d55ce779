// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file with default values for the other flags.")

	// Debugging flags.
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("log-level", "info", "log level: warning, info (default) or debug.")
	flagSet.Bool("debug", false, "enable debug logging. Overrides --log-level.")

	// Aspace flags.
	flagSet.Uint64("aspace-base", 0x10000, "first address of each aspace.")
	flagSet.Uint64("aspace-size", 0x40000000, "size in bytes of each aspace.")
	flagSet.Bool("aslr", false, "randomize placement of children created without a specific offset.")
	flagSet.Int64("seed", 1, "seed for placement randomization.")

	// Memory flags.
	flagSet.Uint("pages", 4096, "number of page frames available to a run.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, on top of the file named by --config if there is one.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	// Defaults first, then the file, then flags that were set explicitly.
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})
	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, undecoded)
		}
	}
	flagSet.Visit(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlag copies fl's value into the field tagged with its name, if any.
func (c *Config) setFromFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); !ok || name != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
		return
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Fields holding their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		val := getVal(obj.Field(i))
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
