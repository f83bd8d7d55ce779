// Copyright 2018 The gVisor Authors.
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
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"time"
)

// GoogleEmitter emits logs in the text format of github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the level's initial.
type GoogleEmitter struct {
	*Writer
}

var levelInitials = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// pid is right-aligned in seven columns, as in glog.
var pid = fmt.Sprintf("%7d", os.Getpid())

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 256)
	if int(level) < len(levelInitials) {
		b = append(b, levelInitials[level])
	} else {
		b = append(b, '?')
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000 ")
	b = append(b, pid...)
	b = append(b, ' ')
	b = appendCaller(b, depth+1)
	b = append(b, "] "...)
	b = fmt.Appendf(b, format, args...)
	if b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	g.Writer.Write(b)
}

// appendCaller appends the file:line of the frame depth levels above the
// caller of appendCaller.
func appendCaller(b []byte, depth int) []byte {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return append(b, "???:0"...)
	}
	b = append(b, path.Base(file)...)
	b = append(b, ':')
	return strconv.AppendInt(b, int64(line), 10)
}
