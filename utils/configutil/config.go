// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package configutil provides an interface for loading and validating
// configuration data from YAML files.
//
// Other YAML files could be included via the following directive:
//
// production.yaml:
// extends: base.yaml
//
// There is no multiple inheritance supported. Dependency tree suppossed to
// form a linked list.
//
// Values from multiple configurations within the same hierarchy are merged.
package configutil

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ErrCycleRef is returned when there are circular dependencies detected in
// configuration files extending each other.
var ErrCycleRef = errors.New("cyclic reference in configuration extends detected")

// Extends define a keyword in config for extending a base configuration file.
type Extends struct {
	Extends string `yaml:"extends"`
}

// ValidationError is returned when the configuration file has incorrect or
// missing fields.
type ValidationError struct {
	errorMap validator.ErrorMap
}

// ErrForField returns the validation error for the given field.
func (e ValidationError) ErrForField(name string) error {
	return e.errorMap[name]
}

func (e ValidationError) Error() string {
	var w strings.Builder
	fmt.Fprintf(&w, "validation failed")
	for f, err := range e.errorMap {
		fmt.Fprintf(&w, "   %s: %v\n", f, err)
	}
	return w.String()
}

// Load loads configuration based on config file at path, extended by any
// base files the config declares, and validates the merged result.
func Load(path string, config interface{}) error {
	paths, err := resolveExtends(path, readExtends)
	if err != nil {
		return err
	}
	return loadFiles(config, paths)
}

// resolveExtends walks the extends chain starting at path and returns the
// files to merge, base first. readExtends returns the (possibly relative)
// file the given config extends, or empty.
func resolveExtends(
	path string, readExtends func(string) (string, error)) ([]string, error) {

	var chain []string
	seen := make(map[string]bool)
	for path != "" {
		if seen[path] {
			return nil, ErrCycleRef
		}
		seen[path] = true
		chain = append(chain, path)

		next, err := readExtends(path)
		if err != nil {
			return nil, err
		}
		if next != "" && !filepath.IsAbs(next) {
			next = filepath.Join(filepath.Dir(path), next)
		}
		path = next
	}
	paths := make([]string, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		paths = append(paths, chain[i])
	}
	return paths, nil
}

func readExtends(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config: %s", err)
	}
	var ext Extends
	if err := yaml.Unmarshal(data, &ext); err != nil {
		return "", fmt.Errorf("unmarshal extends: %s", err)
	}
	return ext.Extends, nil
}

// loadFiles merges the given config files in order, later files overriding
// earlier ones, and validates the result once.
func loadFiles(config interface{}, paths []string) error {
	for _, p := range paths {
		data, err := ioutil.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read config: %s", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("unmarshal config: %s", err)
		}
	}
	if err := validator.Validate(config); err != nil {
		if errs, ok := err.(validator.ErrorMap); ok {
			return ValidationError{errs}
		}
		return err
	}
	return nil
}

// LoadOrDie is a wrapper around Load which exits the process on error.
func LoadOrDie(path string, config interface{}) {
	if err := Load(path, config); err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %s\n", path, err)
		os.Exit(1)
	}
}
