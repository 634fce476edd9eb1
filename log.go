package bpcpool

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// init configures the package logger the way the teacher's FUSE
// frontend configured logrus: a text formatter with caller info,
// level gated on the DEBUG environment variable. This engine is a
// library, so it never calls log.Fatal or os.Exit; it only logs
// local-recovery warnings (section 7: a bad attrib entry or a missing
// reference backup is dropped with a warning, not surfaced).
func init() {
	if os.Getenv("DEBUG") == "1" {
		log.SetLevel(log.DebugLevel)
	}
	log.SetReportCaller(true)
	formatter := &log.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: log.FieldMap{
			log.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	log.SetFormatter(formatter)
}

func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		wd, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d", strings.TrimPrefix(f.File, wd), f.Line)
	}
}
