package comm

import (
	"io"
	"os"
	"strings"
)

const tailPage int64 = 8192

// Tail returns at most cutLine trailing lines of the named file, reading it
// backwards one page at a time. Unreadable files yield "".
func Tail(name string, cutLine int) string {
	if cutLine <= 0 {
		return ""
	}
	f, err := os.Open(name)
	if err != nil {
		return ""
	}
	defer f.Close()
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil || end == 0 {
		return ""
	}
	var chunk []byte
	offset := end
	for offset > 0 {
		size := tailPage
		if offset < size {
			size = offset
		}
		offset -= size
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
			break
		}
		chunk = append(buf, chunk...)
		if strings.Count(string(chunk), "\n") > cutLine {
			break
		}
	}
	lines := strings.Split(strings.TrimRight(string(chunk), "\n"), "\n")
	if len(lines) > cutLine {
		lines = lines[len(lines)-cutLine:]
	}
	return strings.Join(lines, "\n")
}
