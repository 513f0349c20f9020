// Package credentials reads manifest-declared credential fields from
// the process environment, preloading a .env.local file first (the
// teacher's cmd/zap/main.go does the same with godotenv for its own
// .env).
package credentials

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"

	"github.com/precog-cx/connector-harness/internal/engerr"
	"github.com/precog-cx/connector-harness/internal/manifest"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// EnvVarName derives the environment variable name for a configSchema
// field per §6: uppercased, runs of whitespace folded to a single "_".
func EnvVarName(fieldName string) string {
	return whitespaceRun.ReplaceAllString(strings.ToUpper(fieldName), "_")
}

// Load preloads .env.local (if present) and reads one environment
// variable per schema field. A field is required iff Sensitive is
// true; every missing required field is accumulated into a single
// CredentialError rather than failing on the first.
func Load(schema []manifest.FieldSpec) (map[string]string, error) {
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return nil, engerr.NewIOError("load .env.local", err)
	}

	creds := make(map[string]string, len(schema))
	var missing []string
	for _, field := range schema {
		envVar := EnvVarName(field.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok && field.Sensitive {
			missing = append(missing, fmt.Sprintf("%s (env: %s)", field.Name, envVar))
			continue
		}
		creds[field.Name] = val
	}

	if len(missing) > 0 {
		return nil, &engerr.CredentialError{Fields: missing}
	}
	return creds, nil
}
