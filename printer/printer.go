// Package printer provides leveled, colored logging for the runtime and
// its decoders, adapted from the teacher's aurora+viper printer.
package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/viper"
)

var (
	Stderr = NewP(os.Stderr)
	Stdout = NewP(os.Stdout)
	Color  = aurora.NewAurora(true)
)

func Infof(fmtString string, args ...interface{}) {
	Stderr.Infof(fmtString, args...)
}

func Warningf(fmtString string, args ...interface{}) {
	Stderr.Warningf(fmtString, args...)
}

func Errorf(fmtString string, args ...interface{}) {
	Stderr.Errorf(fmtString, args...)
}

func Debugf(fmtString string, args ...interface{}) {
	Stderr.Debugf(fmtString, args...)
}

// V gates log lines behind a verbosity level, the same way the teacher's
// printer does for its gopacket reassembly tracing.
func V(level int) P {
	return Stderr.V(level)
}

type P interface {
	Infof(f string, args ...interface{})
	Warningf(f string, args ...interface{})
	Errorf(f string, args ...interface{})
	Debugf(f string, args ...interface{})
	V(level int) P
}

type impl struct {
	out io.Writer
}

func NewP(out io.Writer) P {
	return impl{out: out}
}

func (p impl) Infof(fmtString string, args ...interface{}) {
	fmt.Fprint(p.out, Color.Blue("[INFO] ").String())
	fmt.Fprintf(p.out, fmtString, args...)
}

func (p impl) Warningf(fmtString string, args ...interface{}) {
	fmt.Fprint(p.out, Color.Yellow("[WARNING] ").String())
	fmt.Fprintf(p.out, fmtString, args...)
}

func (p impl) Errorf(fmtString string, args ...interface{}) {
	fmt.Fprint(p.out, Color.Red("[ERROR] ").String())
	fmt.Fprintf(p.out, fmtString, args...)
}

func (p impl) Debugf(fmtString string, args ...interface{}) {
	if viper.GetBool("debug") {
		fmt.Fprint(p.out, Color.Magenta("[DEBUG] ").String())
		fmt.Fprintf(p.out, fmtString, args...)
	}
}

func (p impl) V(level int) P {
	if l := viper.GetInt("verbose-level"); l > 0 && level >= l {
		return p
	}
	return noopPrinter{}
}

type noopPrinter struct{}

func (noopPrinter) Infof(f string, args ...interface{})    {}
func (noopPrinter) Warningf(f string, args ...interface{}) {}
func (noopPrinter) Errorf(f string, args ...interface{})   {}
func (noopPrinter) Debugf(f string, args ...interface{})   {}
func (p noopPrinter) V(level int) P                        { return p }

type jsonImpl struct {
	encoder *json.Encoder
}

// SwitchToJSON redirects Stderr/Stdout to structured JSON log lines, for
// consumption by a collector instead of a human terminal.
func SwitchToJSON() {
	Color = aurora.NewAurora(false)
	Stderr = &jsonImpl{encoder: json.NewEncoder(os.Stderr)}
	Stdout = &jsonImpl{encoder: json.NewEncoder(os.Stdout)}
}

type jsonLog struct {
	Date    time.Time `json:"date"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
}

func (j *jsonImpl) writeJSON(status, message string) {
	message = strings.Trim(message, "\n")
	j.encoder.Encode(jsonLog{Date: time.Now(), Status: status, Message: message})
}

func (j *jsonImpl) Infof(f string, args ...interface{})    { j.writeJSON("info", fmt.Sprintf(f, args...)) }
func (j *jsonImpl) Warningf(f string, args ...interface{}) { j.writeJSON("warning", fmt.Sprintf(f, args...)) }
func (j *jsonImpl) Errorf(f string, args ...interface{})   { j.writeJSON("error", fmt.Sprintf(f, args...)) }
func (j *jsonImpl) Debugf(f string, args ...interface{}) {
	if viper.GetBool("debug") {
		j.writeJSON("debug", fmt.Sprintf(f, args...))
	}
}
func (j *jsonImpl) V(level int) P {
	if l := viper.GetInt("verbose-level"); l > 0 && level >= l {
		return j
	}
	return noopPrinter{}
}
