// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogConfig 为文件日志相关配置。
type FileLogConfig struct {
	// Filename 为日志文件路径，留空表示关闭文件日志。
	Filename string `mapstructure:"filename" json:"filename"`
	// MaxSize 表示单个日志文件的最大大小，单位 MB。
	MaxSize int `mapstructure:"max-size" json:"max-size"`
	// MaxDays 表示日志文件最大保留天数，0 表示不删除。
	MaxDays int `mapstructure:"max-days" json:"max-days"`
	// MaxBackups 表示最多保留多少个历史日志文件。
	MaxBackups int `mapstructure:"max-backups" json:"max-backups"`
}

// Config 为日志初始化配置。
type Config struct {
	// Level 为日志级别：debug/info/warn/error。
	Level string `mapstructure:"level" json:"level"`
	// Format 为日志格式，可选 json 或 console。
	Format string `mapstructure:"format" json:"format"`
	// Stdout 表示是否输出到标准输出。
	Stdout bool `mapstructure:"stdout" json:"stdout"`
	// DisableCaller 表示是否关闭调用方文件名和行号标注。
	DisableCaller bool `mapstructure:"disable-caller" json:"disable-caller"`
	// File 为文件日志配置。
	File FileLogConfig `mapstructure:"file" json:"file"`
}

// defaultLogMaxSize 为日志文件默认最大大小，单位 MB。
const defaultLogMaxSize = 300

var (
	_globalL     atomic.Pointer[zap.Logger]
	_globalLevel zap.AtomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	l, _ := New(&Config{Level: "info", Format: "console", Stdout: true})
	ReplaceGlobals(l)
}

// New 根据配置构造一个 zap.Logger。
//
// 说明：
//   - Stdout 与 File 可以同时开启，此时日志会写入两个目标；
//   - 两者都未开启时退化为仅输出到标准输出，避免日志静默丢失。
func New(cfg *Config) (*zap.Logger, error) {
	if err := _globalLevel.UnmarshalText([]byte(levelOrDefault(cfg.Level))); err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var syncers []zapcore.WriteSyncer
	if cfg.File.Filename != "" {
		maxSize := cfg.File.MaxSize
		if maxSize <= 0 {
			maxSize = defaultLogMaxSize
		}
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File.Filename,
			MaxSize:    maxSize,
			MaxAge:     cfg.File.MaxDays,
			MaxBackups: cfg.File.MaxBackups,
		}))
	}
	if cfg.Stdout || len(syncers) == 0 {
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), _globalLevel)

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if !cfg.DisableCaller {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...), nil
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}

// L 返回全局 Logger。
func L() *zap.Logger {
	return _globalL.Load()
}

// ReplaceGlobals 替换全局 Logger。
func ReplaceGlobals(l *zap.Logger) {
	_globalL.Store(l)
}

// SetLevel 动态调整全局日志级别。
func SetLevel(l zapcore.Level) {
	_globalLevel.SetLevel(l)
}

// GetLevel 返回当前全局日志级别。
func GetLevel() zapcore.Level {
	return _globalLevel.Level()
}

// With 基于全局 Logger 创建携带额外字段的 Logger。
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Debug 使用全局 Logger 记录 Debug 日志。
func Debug(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info 使用全局 Logger 记录 Info 日志。
func Info(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Warn 使用全局 Logger 记录 Warn 日志。
func Warn(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...)
}

// Error 使用全局 Logger 记录 Error 日志。
func Error(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// Panic 使用全局 Logger 记录 Panic 日志并触发 panic。
func Panic(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Panic(msg, fields...)
}

// Fatal 使用全局 Logger 记录 Fatal 日志并退出进程。
func Fatal(msg string, fields ...zap.Field) {
	L().WithOptions(zap.AddCallerSkip(1)).Fatal(msg, fields...)
}

type ctxLogKeyType struct{}

var ctxLogKey ctxLogKeyType

// WithFields 返回携带日志字段的新 Context。
// 后续通过 Ctx 取出的 Logger 会自动附带这些字段。
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxLogKey, Ctx(ctx).With(fields...))
}

// WithModule 返回携带模块名字段的新 Context。
func WithModule(ctx context.Context, module string) context.Context {
	return WithFields(ctx, zap.String("module", module))
}

// Ctx 返回与 Context 关联的 Logger；未关联时返回全局 Logger。
func Ctx(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return L()
	}
	if l, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok && l != nil {
		return l
	}
	return L()
}
