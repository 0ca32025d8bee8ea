package main

import (
	"io"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

var envReplacer = strings.NewReplacer(".", "_", "-", "_")

// logWriter returns stderr when path is empty, otherwise a lumberjack
// rotating writer (section 4.13), sized the way the teacher's services
// configure log rotation: bounded by count and age rather than left to grow
// unbounded on a long-running broker process.
func logWriter(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}
