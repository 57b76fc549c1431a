// Package nlog provides the engine's process-wide leveled logger.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Verbosity levels. The data path checks Level() before formatting anything
// expensive, so a disabled Infof costs one atomic load.
const (
	LvlError int32 = iota
	LvlWarn
	LvlInfo
	LvlDebug
)

var (
	level  atomic.Int32
	stdlog = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
)

func init() { level.Store(LvlInfo) }

// SetLevel changes global verbosity; safe to call concurrently with logging.
func SetLevel(l int32) { level.Store(l) }

func Level() int32 { return level.Load() }

func FastV(l int32) bool { return level.Load() >= l }

func Errorln(v ...any) { stdlog.Println(append([]any{"E:"}, v...)...) }

func Errorf(format string, v ...any) {
	stdlog.Printf("E: "+format, v...)
}

func Warnln(v ...any) {
	if FastV(LvlWarn) {
		stdlog.Println(append([]any{"W:"}, v...)...)
	}
}

func Warnf(format string, v ...any) {
	if FastV(LvlWarn) {
		stdlog.Printf("W: "+format, v...)
	}
}

func Infoln(v ...any) {
	if FastV(LvlInfo) {
		stdlog.Println(append([]any{"I:"}, v...)...)
	}
}

func Infof(format string, v ...any) {
	if FastV(LvlInfo) {
		stdlog.Printf("I: "+format, v...)
	}
}

func Debugln(v ...any) {
	if FastV(LvlDebug) {
		stdlog.Println(append([]any{"D:"}, v...)...)
	}
}

func Debugf(format string, v ...any) {
	if FastV(LvlDebug) {
		stdlog.Printf("D: "+format, v...)
	}
}

// Fatalf logs and terminates the process. Reserved for startup errors,
// e.g. the block-device subsystem failing to initialize.
func Fatalf(format string, v ...any) {
	stdlog.Printf("F: "+format, v...)
	os.Exit(1)
}

// S formats v with %v; it avoids an fmt import at call sites that just want one value logged.
func S(v any) string { return fmt.Sprintf("%v", v) }
