// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/cardinalhq/zkconfig/zksource"
)

// Config aggregates configuration for the command line tool.
// Each field is owned by its respective package.
type Config struct {
	ZooKeeper zksource.Options `mapstructure:"zookeeper"`
	Health    HealthConfig     `mapstructure:"health"`
}

type HealthConfig struct {
	// Port for the watch command's health server. Zero disables it.
	Port int `mapstructure:"port"`
	// Pprof adds /debug/pprof/ to the health server.
	Pprof bool `mapstructure:"pprof"`
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "ZKCONFIG" and the dot character
// in keys is replaced by an underscore. For example,
// "zookeeper.connection_string" becomes "ZKCONFIG_ZOOKEEPER_CONNECTION_STRING".
func Load() (*Config, error) {
	cfg := &Config{
		ZooKeeper: zksource.DefaultOptions(),
		Health:    HealthConfig{Port: 8090},
	}

	v := viper.New()
	v.SetConfigName("zkconfig")
	v.AddConfigPath(".")
	v.SetEnvPrefix("ZKCONFIG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
