// Copyright 2018-2021 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package config loads the daemon configuration from an optional TOML
// file and from the environment. Every key can be overridden by the
// uppercased env var of the same name, e.g. INBOX_PATH for inbox_path.
package config

import (
	"reflect"
	"runtime"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Config holds the full daemon configuration.
type Config struct {
	InboxPath     string `mapstructure:"inbox_path" validate:"required"`
	ProcessedPath string `mapstructure:"processed_path" validate:"required"`
	FailedPath    string `mapstructure:"failed_path" validate:"required"`

	OrthancURL           string `mapstructure:"orthanc_url" validate:"required,url"`
	KeycloakURL          string `mapstructure:"keycloak_url" validate:"required,url"`
	KeycloakRealm        string `mapstructure:"keycloak_realm" validate:"required"`
	KeycloakClientID     string `mapstructure:"keycloak_client_id" validate:"required"`
	KeycloakClientSecret string `mapstructure:"keycloak_client_secret"`

	CooldownSeconds int           `mapstructure:"cooldown_seconds" validate:"gt=0"`
	MaxConcurrent   int           `mapstructure:"max_concurrent" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"gt=0"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json console"`

	MetricsPort int `mapstructure:"metrics_port" validate:"gt=0,lte=65535"`

	// Watcher selects the filesystem notification backend.
	Watcher string `mapstructure:"watcher" validate:"oneof=inotifywait fsnotify"`
}

// Cooldown returns the readiness cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("inbox_path", "/inbox")
	v.SetDefault("processed_path", "/processed")
	v.SetDefault("failed_path", "/failed")
	v.SetDefault("orthanc_url", "http://orthanc:8042")
	v.SetDefault("keycloak_url", "http://keycloak:8080")
	v.SetDefault("keycloak_realm", "dicom")
	v.SetDefault("keycloak_client_id", "orthanc-api")
	v.SetDefault("keycloak_client_secret", "")
	v.SetDefault("cooldown_seconds", 60)
	v.SetDefault("max_concurrent", 3)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 10)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_port", 8080)
	if runtime.GOOS == "linux" {
		v.SetDefault("watcher", "inotifywait")
	} else {
		v.SetDefault("watcher", "fsnotify")
	}
}

// secondsToDuration decodes bare numbers (and numeric strings) into
// seconds so that "retry_delay = 10" keeps meaning ten seconds. Values
// with a unit suffix ("500ms", "2m") go through the standard parser.
func secondsToDuration() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			s := data.(string)
			if n, err := strconv.Atoi(s); err == nil {
				return time.Duration(n) * time.Second, nil
			}
			return time.ParseDuration(s)
		default:
			return data, nil
		}
	}
}

// Load reads the configuration from the given TOML file, if any, applies
// env overrides and validates the result.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config: error reading config file")
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c, viper.DecodeHook(secondsToDuration())); err != nil {
		return nil, errors.Wrap(err, "config: error decoding config")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "config: invalid configuration")
	}
	return nil
}
