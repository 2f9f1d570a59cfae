// Copyright 2024 The serverless-gateway Authors
// This file is part of serverless-gateway.
//
// serverless-gateway is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// serverless-gateway is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with serverless-gateway. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/brawncode/serverless-gateway/gateway"
	"github.com/naoina/toml"
)

type tomlConfig struct {
	Gateway gateway.Config
}

// tomlSettings mirrors the strict decoding geth uses for its config files:
// unknown keys are an error, field names are matched verbatim.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see %s for available fields", rt.String())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

func loadConfig(file string) (*gateway.Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := tomlConfig{Gateway: gateway.DefaultConfig}
	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %v", file, err)
	}
	return &cfg.Gateway, nil
}
