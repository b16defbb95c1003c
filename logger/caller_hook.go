package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// skipFrames lists function path fragments that never count as the call site.
var skipFrames = []string{
	"sirupsen/logrus",
	"fundingpool/logger.",
}

// callerHook points entry.Caller at the first frame outside logrus and the
// wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipFrame(fn string) bool {
	for _, frag := range skipFrames {
		if strings.Contains(fn, frag) {
			return true
		}
	}
	return false
}
