package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR_NAME}} references in raw YAML with values from
// the process environment before parsing. Missing variables expand to the
// empty string; the validator catches required fields left blank.
func ExpandEnv(raw []byte) ([]byte, error) {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvVarExpansion, err)
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvVarExpansion, err)
	}
	return buf.Bytes(), nil
}
