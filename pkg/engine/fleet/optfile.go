package fleet

import (
	"fmt"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
)

// OptFilePreamble opens every option file the tool consumes; the deny
// block, when present, follows it.
const OptFilePreamble = "GROUP DOORSUSER SBX\nEXCLUDE DOORS GROUP DOORSUSER\n"

// DefaultDenyGroup names the exclude group when the caller does not.
const DefaultDenyGroup = "GROUP_DOORS_EXCLUDE"

// GenerateDenyGroup renders the exclude block banning the given users.
// An empty user list yields an empty string.
func GenerateDenyGroup(uids []string, group string) string {
	if len(uids) == 0 {
		return ""
	}
	if group == "" {
		group = DefaultDenyGroup
	}
	up := make([]string, len(uids))
	for i, uid := range uids {
		up[i] = flexlm.Canonical(uid)
	}
	var b strings.Builder
	b.WriteString("GROUPCASEINSENSITIVE ON\n")
	b.WriteString("GROUP " + group + " " + strings.Join(up, " ") + "\n")
	b.WriteString("EXCLUDE DOORS GROUP " + group + "\n")
	return b.String()
}

// WriteOptFile atomically overwrites the option file with the preamble
// followed by content.
func (m *Manager) WriteOptFile(content string) error {
	data := OptFilePreamble + content
	if err := renameio.WriteFile(m.cfg.OptionFile, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write option file %q: %w", m.cfg.OptionFile, err)
	}
	m.log.Info("option file written", "path", m.cfg.OptionFile, "bytes", len(data))
	return nil
}
