package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared line logger. Request logs, audit events and
// notification dispatches all write through it, so the service emits a single
// JSON-line stream.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// Emit writes one structured JSON line. A value that cannot be marshalled
// degrades to an error line carrying the marshal failure instead of dropping
// the write silently.
func Emit(fields map[string]any) {
	data, err := json.Marshal(fields)
	if err != nil {
		Logger().Printf(`{"level":"error","msg":"log marshal failed","error":%q}`, err.Error())
		return
	}
	Logger().Println(string(data))
}
