/******************************************************************************
 *
 *  Description :
 *    Package exposes info, warning and error loggers shared by the node.
 *
 *****************************************************************************/
package logs

import (
	"io"
	"log"
	"os"
)

var (
	Info    *log.Logger
	Warning *log.Logger
	Error   *log.Logger
)

func Init() {
	InitWithOutput(os.Stdout)
}

// InitWithOutput routes all three loggers to the given writer. Tests use
// it to silence or capture output.
func InitWithOutput(w io.Writer) {
	Info = log.New(w, "I", log.LstdFlags|log.Lshortfile)
	Warning = log.New(w, "W", log.LstdFlags|log.Lshortfile)
	Error = log.New(w, "E", log.LstdFlags|log.Lshortfile)
}

func init() {
	// Default wiring so packages can log before main calls Init.
	Init()
}
