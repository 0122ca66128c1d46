package adapter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseTypeField decodes one JSONL record and returns its "type"
// discriminator plus the full decoded map, shared by every subprocess
// Protocol in this package.
func parseTypeField(line string) (string, map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return "", nil, err
	}
	typ, _ := rec["type"].(string)
	return typ, rec, nil
}

// parsePhaseField is parseTypeField's counterpart for agents (amp) whose
// native JSONL records discriminate on a "phase" field instead of "type".
func parsePhaseField(line string) (string, map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return "", nil, err
	}
	phase, _ := rec["phase"].(string)
	return phase, rec, nil
}

func errUnknownRecordType(agent, typ string) error {
	return fmt.Errorf("unknown %s record type %q", agent, typ)
}

func isBlank(line string) bool {
	return strings.TrimSpace(line) == ""
}

// looksLikeCredentialError does a substring match against common phrasing
// used by CLI agents when a stored credential or API key is missing or
// rejected, used to classify a native error record as kind=credentials.
func looksLikeCredentialError(message string) bool {
	m := strings.ToLower(message)
	for _, needle := range []string{"api key", "credential", "unauthorized", "authentication", "not logged in"} {
		if strings.Contains(m, needle) {
			return true
		}
	}
	return false
}
