package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"regexp"

	"github.com/dosgo/xkernel/comm"
)

var versionToken = regexp.MustCompile(`\bv?(\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z.]+)?)\b`)

// Version runs "<kernel> version" and extracts the dotted version.
func (s *Supervisor) Version(ctx context.Context) (string, error) {
	if !comm.Exists(s.opts.Binary) {
		return "", comm.Errorf(comm.ErrConfig, "version", "kernel binary %q not found", s.opts.Binary)
	}
	out, err := exec.CommandContext(ctx, s.opts.Binary, "version").Output()
	if err != nil {
		return "", comm.NewError(comm.ErrConfig, "version", err)
	}
	v := ParseVersion(out)
	if v == "" {
		return "", comm.Errorf(comm.ErrConfig, "version", "no version in %q", bytes.TrimSpace(out))
	}
	return v, nil
}

// ParseVersion reads {"version": "..."} output, falling back to the first
// dotted token of plain text.
func ParseVersion(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > 0 && out[0] == '{' {
		var doc struct {
			Version string `json:"version"`
		}
		if json.Unmarshal(out, &doc) == nil && doc.Version != "" {
			if m := versionToken.FindSubmatch([]byte(doc.Version)); m != nil {
				return string(m[1])
			}
			return doc.Version
		}
	}
	if m := versionToken.FindSubmatch(out); m != nil {
		return string(m[1])
	}
	return ""
}
