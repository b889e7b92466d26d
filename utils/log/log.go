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
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	_default *zap.SugaredLogger
	_mu      sync.Mutex
)

// Default returns the default global logger.
func Default() *zap.SugaredLogger {
	_mu.Lock()
	defer _mu.Unlock()

	if _default == nil {
		logger, err := New(DefaultZapConfig(), nil)
		if err != nil {
			panic(err)
		}
		_default = logger.Sugar()
	}
	return _default
}

// ConfigureLogger configures the global zap logger and returns it.
func ConfigureLogger(config zap.Config) (*zap.SugaredLogger, error) {
	logger, err := New(config, nil)
	if err != nil {
		return nil, err
	}

	_mu.Lock()
	_default = logger.Sugar()
	_mu.Unlock()

	return _default, nil
}

// New creates a logger that is not default.
func New(config zap.Config, fields map[string]interface{}) (*zap.Logger, error) {
	options := []zap.Option{zap.AddCallerSkip(1)}
	if len(fields) > 0 {
		options = append(options, zap.Fields(zapFields(fields)...))
	}
	return config.Build(options...)
}

// DefaultZapConfig returns the sane production logging configuration used
// when no config is supplied.
func DefaultZapConfig() zap.Config {
	return zap.Config{
		Level:       zap.NewAtomicLevelAt(zap.InfoLevel),
		Sampling:    nil,
		Encoding:    "console",
		OutputPaths: []string{"stdout"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			NameKey:        "logger_name",
			LevelKey:       "level",
			TimeKey:        "ts",
			CallerKey:      "caller",
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
	}
}

func zapFields(fields map[string]interface{}) []zap.Field {
	var fs []zap.Field
	for k, v := range fields {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}

// Debug uses fmt.Sprint to construct and log a message.
func Debug(args ...interface{}) { Default().Debug(args...) }

// Info uses fmt.Sprint to construct and log a message.
func Info(args ...interface{}) { Default().Info(args...) }

// Warn uses fmt.Sprint to construct and log a message.
func Warn(args ...interface{}) { Default().Warn(args...) }

// Error uses fmt.Sprint to construct and log a message.
func Error(args ...interface{}) { Default().Error(args...) }

// Fatal uses fmt.Sprint to construct and log a message, then calls os.Exit.
func Fatal(args ...interface{}) { Default().Fatal(args...) }

// Debugf uses fmt.Sprintf to log a templated message.
func Debugf(template string, args ...interface{}) { Default().Debugf(template, args...) }

// Infof uses fmt.Sprintf to log a templated message.
func Infof(template string, args ...interface{}) { Default().Infof(template, args...) }

// Warnf uses fmt.Sprintf to log a templated message.
func Warnf(template string, args ...interface{}) { Default().Warnf(template, args...) }

// Errorf uses fmt.Sprintf to log a templated message.
func Errorf(template string, args ...interface{}) { Default().Errorf(template, args...) }

// Fatalf uses fmt.Sprintf to log a templated message, then calls os.Exit.
func Fatalf(template string, args ...interface{}) { Default().Fatalf(template, args...) }

// With adds a variadic number of fields to the logging context.
func With(args ...interface{}) *zap.SugaredLogger { return Default().With(args...) }
